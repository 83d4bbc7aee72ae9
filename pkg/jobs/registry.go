package jobs

import (
	"sort"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/pool"
)

// Registry owns one Engine per device address, all sharing one pool.
// It routes device events to the engine of the device.
type Registry struct {
	opts    Options
	engines map[uint16]*Engine
}

// NewRegistry creates an empty registry. Engines are created on first use.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		engines: make(map[uint16]*Engine),
	}
}

// Engine returns the engine of a device, creating it on first use.
func (r *Registry) Engine(address uint16) *Engine {
	if e, ok := r.engines[address]; ok {
		return e
	}
	e := New(address, r.opts)
	r.engines[address] = e
	return e
}

// Lookup returns the engine of a device without creating it.
func (r *Registry) Lookup(address uint16) (*Engine, bool) {
	e, ok := r.engines[address]
	return e, ok
}

// Addresses returns the addresses of the known devices in ascending order.
func (r *Registry) Addresses() []uint16 {
	out := make([]uint16, 0, len(r.engines))
	for addr := range r.engines {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pool returns the shared pool.
func (r *Registry) Pool() *pool.Pool { return r.opts.Pool }

// ResourcesInvalidated implements engine.DeviceEventHandler.
func (r *Registry) ResourcesInvalidated(address uint16, handles []uint16) {
	if e, ok := r.engines[address]; ok {
		e.Invalidate(handles)
	}
}

// DeviceLost implements engine.DeviceEventHandler.
func (r *Registry) DeviceLost(address uint16) {
	if e, ok := r.engines[address]; ok {
		e.DeviceLost()
	}
}

// ForgetDevice drops every job of a device without reports.
func (r *Registry) ForgetDevice(address uint16) {
	if e, ok := r.engines[address]; ok {
		e.Reset()
	}
}

// Reset drops every job of every device without reports.
func (r *Registry) Reset() {
	for _, addr := range r.Addresses() {
		r.engines[addr].Reset()
	}
}

var _ engine.DeviceEventHandler = (*Registry)(nil)
