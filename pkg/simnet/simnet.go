// Package simnet is an in-process device network. It implements the
// Transceiver, RemoteSync and DeviceEventSource contracts on top of the
// scheduler: every answer is posted to the scheduler and delivered on a later
// pass, like a real asynchronous transport.
//
// Failures can be injected per operation and resource type, devices can drop
// handles or lose synchronization on demand, and every request is logged.
package simnet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/wire"
)

// FirstLabel is the first connection label a device hands out.
const FirstLabel uint16 = 0x000C

// Record is one logged device request.
type Record struct {
	Address uint16
	Op      wire.Op
	Type    engine.ResourceType
	Label   uint16
	Handles []uint16
	Control *wire.Control
	Result  engine.TxResult
	Handle  uint16
}

// Resource is a live resource on a simulated device.
type Resource struct {
	Handle uint16
	Type   engine.ResourceType
	Params wire.Params
	Label  uint16
}

// ControlHandler answers control messages of a device.
type ControlHandler func(c *wire.Control) (engine.TxResult, uint16)

// Device is one simulated device.
type Device struct {
	address    uint16
	synced     bool
	failSync   int
	nextSocket uint16
	nextOther  uint16
	resources  map[uint16]*Resource
	control    ControlHandler
}

type failure struct {
	address uint16
	op      wire.Op
	typ     engine.ResourceType
	result  engine.TxResult
	times   int
}

// Network is a set of simulated devices.
type Network struct {
	sched *scheduler.Scheduler

	mu        sync.Mutex
	devices   map[uint16]*Device
	handlers  []engine.DeviceEventHandler
	failures  []*failure
	log       []Record
	nextLabel uint16
}

// New creates an empty network delivering answers through sched.
func New(sched *scheduler.Scheduler) *Network {
	return &Network{
		sched:     sched,
		devices:   make(map[uint16]*Device),
		nextLabel: FirstLabel,
	}
}

// AddDevice adds a device. It starts unsynchronized.
func (n *Network) AddDevice(address uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.devices[address]; ok {
		return
	}
	n.devices[address] = &Device{
		address:    address,
		nextSocket: uint16(engine.MostPortHandle) | 0x01,
		nextOther:  0x1001,
		resources:  make(map[uint16]*Resource),
	}
}

// RemoveDevice takes a device off the network. Requests to it time out.
func (n *Network) RemoveDevice(address uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.devices, address)
}

// SetControlHandler installs the answer to control messages of a device.
// Without a handler a device echoes the function id with success.
func (n *Network) SetControlHandler(address uint16, h ControlHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d, ok := n.devices[address]; ok {
		d.control = h
	}
}

// FailNext makes the next times requests of op on resource type t (zero for
// any type) to address (zero for any device) end with result.
func (n *Network) FailNext(address uint16, op wire.Op, t engine.ResourceType, result engine.TxResult, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, &failure{address: address, op: op, typ: t, result: result, times: times})
}

// FailSync makes the next times synchronizations of a device fail.
func (n *Network) FailSync(address uint16, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d, ok := n.devices[address]; ok {
		d.failSync = times
	}
}

// SubscribeDeviceEvents implements engine.DeviceEventSource.
func (n *Network) SubscribeDeviceEvents(h engine.DeviceEventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// SyncDevice implements engine.RemoteSync.
func (n *Network) SyncDevice(address uint16, onResult func(engine.SyncResult)) {
	n.mu.Lock()
	res := engine.SyncSuccess
	d, ok := n.devices[address]
	switch {
	case !ok:
		res = engine.SyncError
	case d.failSync > 0:
		d.failSync--
		res = engine.SyncError
	default:
		d.synced = true
	}
	n.mu.Unlock()

	n.sched.Post(func() { onResult(res) })
}

// Send implements engine.Transceiver.
func (n *Network) Send(address uint16, payload []byte, onResult func(engine.TxResult, []byte)) error {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return fmt.Errorf("simnet: %w", err)
	}

	n.mu.Lock()
	rec := Record{Address: address, Op: req.Op, Type: req.Type, Handles: req.Handles, Control: req.Control}
	if req.Params != nil {
		rec.Label = req.Params.Label
	}
	result, resp := n.handle(address, req)
	rec.Result = result
	if resp != nil {
		rec.Handle = resp.Handle
	}
	n.log = append(n.log, rec)
	n.mu.Unlock()

	var out []byte
	if resp != nil {
		if out, err = wire.EncodeResponse(resp); err != nil {
			return fmt.Errorf("simnet: %w", err)
		}
	}
	n.sched.Post(func() { onResult(result, out) })
	return nil
}

// handle executes a request. Called with n.mu held.
func (n *Network) handle(address uint16, req *wire.Request) (engine.TxResult, *wire.Response) {
	d, ok := n.devices[address]
	if !ok {
		return engine.TxTimeout, nil
	}
	if res, injected := n.injected(address, req); injected {
		return res, nil
	}
	if !d.synced && req.Op != wire.OpControl {
		return engine.TxSystemError, nil
	}

	switch req.Op {
	case wire.OpCreate:
		return n.create(d, req)
	case wire.OpDestroy:
		return n.destroy(d, req)
	default:
		if d.control != nil {
			res, fid := d.control(req.Control)
			return res, &wire.Response{FunctionID: fid}
		}
		return engine.TxSuccess, &wire.Response{FunctionID: req.Control.FunctionID}
	}
}

func (n *Network) create(d *Device, req *wire.Request) (engine.TxResult, *wire.Response) {
	for _, ref := range req.Params.References {
		if _, ok := d.resources[ref]; !ok && !isDefaultPort(ref) {
			return engine.TxConfiguration, nil
		}
	}

	r := &Resource{Type: req.Type, Params: *req.Params}
	if req.Type == engine.ResourceMostSocket {
		switch engine.Direction(req.Params.Direction) {
		case engine.DirectionInput:
			if req.Params.Label == 0 {
				return engine.TxConfiguration, nil
			}
			r.Label = req.Params.Label
		case engine.DirectionOutput:
			r.Label = n.nextLabel
			n.nextLabel++
		}
		r.Handle = d.nextSocket
		d.nextSocket++
	} else {
		r.Handle = d.nextOther
		d.nextOther++
	}
	d.resources[r.Handle] = r
	return engine.TxSuccess, &wire.Response{Handle: r.Handle, Label: r.Label}
}

// destroy removes every handle of the request or none. A resource another
// live resource attaches to cannot be destroyed unless that one goes too.
func (n *Network) destroy(d *Device, req *wire.Request) (engine.TxResult, *wire.Response) {
	doomed := make(map[uint16]bool, len(req.Handles))
	for _, h := range req.Handles {
		if _, ok := d.resources[h]; !ok {
			return engine.TxStandardError, nil
		}
		doomed[h] = true
	}
	for h, r := range d.resources {
		if doomed[h] {
			continue
		}
		for _, ref := range r.Params.References {
			if doomed[ref] {
				return engine.TxConfiguration, nil
			}
		}
	}
	for h := range doomed {
		delete(d.resources, h)
	}
	return engine.TxSuccess, nil
}

func (n *Network) injected(address uint16, req *wire.Request) (engine.TxResult, bool) {
	for i, f := range n.failures {
		if f.address != 0 && f.address != address {
			continue
		}
		if f.op != req.Op || (f.typ != 0 && f.typ != req.Type) {
			continue
		}
		f.times--
		if f.times <= 0 {
			n.failures = append(n.failures[:i], n.failures[i+1:]...)
		}
		return f.result, true
	}
	return "", false
}

func isDefaultPort(h uint16) bool {
	switch engine.PortType(h >> 8) {
	case engine.PortTypeMlb, engine.PortTypeUsb, engine.PortTypeStream:
		return true
	}
	return false
}

// Invalidate drops handles on a device and notifies the subscribers.
func (n *Network) Invalidate(address uint16, handles ...uint16) {
	n.mu.Lock()
	if d, ok := n.devices[address]; ok {
		for _, h := range handles {
			delete(d.resources, h)
		}
	}
	handlers := append([]engine.DeviceEventHandler(nil), n.handlers...)
	n.mu.Unlock()

	dropped := append([]uint16(nil), handles...)
	n.sched.Post(func() {
		for _, h := range handlers {
			h.ResourcesInvalidated(address, dropped)
		}
	})
}

// Reset makes a device lose synchronization and every resource, and notifies
// the subscribers.
func (n *Network) Reset(address uint16) {
	n.mu.Lock()
	if d, ok := n.devices[address]; ok {
		d.synced = false
		d.resources = make(map[uint16]*Resource)
	}
	handlers := append([]engine.DeviceEventHandler(nil), n.handlers...)
	n.mu.Unlock()

	n.sched.Post(func() {
		for _, h := range handlers {
			h.DeviceLost(address)
		}
	})
}

// Synced reports whether a device is synchronized.
func (n *Network) Synced(address uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.devices[address]
	return ok && d.synced
}

// Resources returns the live resources of a device ordered by handle.
func (n *Network) Resources(address uint16) []Resource {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.devices[address]
	if !ok {
		return nil
	}
	out := make([]Resource, 0, len(d.resources))
	for _, r := range d.resources {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Handles returns the live handles of a device in ascending order.
func (n *Network) Handles(address uint16) []uint16 {
	res := n.Resources(address)
	out := make([]uint16, len(res))
	for i, r := range res {
		out[i] = r.Handle
	}
	return out
}

// Log returns a copy of the request log.
func (n *Network) Log() []Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Record(nil), n.log...)
}

// Requests returns the logged requests of one operation.
func (n *Network) Requests(op wire.Op) []Record {
	var out []Record
	for _, r := range n.Log() {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// ClearLog empties the request log.
func (n *Network) ClearLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

var (
	_ engine.Transceiver       = (*Network)(nil)
	_ engine.RemoteSync        = (*Network)(nil)
	_ engine.DeviceEventSource = (*Network)(nil)
)
