package simnet

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/wire"
)

type answer struct {
	res  engine.TxResult
	resp *wire.Response
}

func newNetwork(t *testing.T) (*Network, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(clock.NewMock(), nil)
	return New(sched), sched
}

func send(t *testing.T, n *Network, sched *scheduler.Scheduler, addr uint16, req *wire.Request) answer {
	t.Helper()
	payload, err := wire.EncodeRequest(req)
	require.NoError(t, err)

	var got *answer
	require.NoError(t, n.Send(addr, payload, func(res engine.TxResult, b []byte) {
		resp, err := wire.DecodeResponse(b)
		require.NoError(t, err)
		got = &answer{res: res, resp: resp}
	}))
	assert.Nil(t, got, "answers are delivered asynchronously")
	sched.RunUntilIdle(10)
	require.NotNil(t, got)
	return *got
}

func syncDevice(t *testing.T, n *Network, sched *scheduler.Scheduler, addr uint16) engine.SyncResult {
	t.Helper()
	var res engine.SyncResult
	n.SyncDevice(addr, func(r engine.SyncResult) { res = r })
	sched.RunUntilIdle(10)
	return res
}

func mostSocket(dir engine.Direction, label uint16) *wire.Request {
	return &wire.Request{
		Op:     wire.OpCreate,
		Type:   engine.ResourceMostSocket,
		Params: &wire.Params{Direction: uint8(dir), PortHandle: engine.MostPortHandle, Bandwidth: 4, Label: label},
	}
}

func TestUnsyncedDeviceRejectsRequests(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)

	a := send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))
	assert.Equal(t, engine.TxSystemError, a.res)

	assert.Equal(t, engine.SyncSuccess, syncDevice(t, n, sched, 0x200))
	assert.True(t, n.Synced(0x200))

	a = send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))
	assert.Equal(t, engine.TxSuccess, a.res)
}

func TestUnknownDeviceTimesOut(t *testing.T) {
	n, sched := newNetwork(t)

	assert.Equal(t, engine.SyncError, syncDevice(t, n, sched, 0x300))
	a := send(t, n, sched, 0x300, mostSocket(engine.DirectionOutput, 0))
	assert.Equal(t, engine.TxTimeout, a.res)
}

func TestOutputSocketsAllocateLabels(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	n.AddDevice(0x210)
	syncDevice(t, n, sched, 0x200)
	syncDevice(t, n, sched, 0x210)

	first := send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))
	second := send(t, n, sched, 0x210, mostSocket(engine.DirectionOutput, 0))
	assert.Equal(t, FirstLabel, first.resp.Label)
	assert.Equal(t, FirstLabel+1, second.resp.Label)
	assert.Equal(t, engine.MostPortHandle|0x01, first.resp.Handle)

	in := send(t, n, sched, 0x210, mostSocket(engine.DirectionInput, first.resp.Label))
	assert.Equal(t, engine.TxSuccess, in.res)
	assert.Equal(t, FirstLabel, in.resp.Label)

	noLabel := send(t, n, sched, 0x210, mostSocket(engine.DirectionInput, 0))
	assert.Equal(t, engine.TxConfiguration, noLabel.res)
}

func TestCreateChecksReferences(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)

	dangling := &wire.Request{Op: wire.OpCreate, Type: engine.ResourceStreamSocket, Params: &wire.Params{References: []uint16{0x1055}}}
	assert.Equal(t, engine.TxConfiguration, send(t, n, sched, 0x200, dangling).res)

	onDefaultPort := &wire.Request{Op: wire.OpCreate, Type: engine.ResourceStreamSocket, Params: &wire.Params{References: []uint16{0x1600}}}
	a := send(t, n, sched, 0x200, onDefaultPort)
	require.Equal(t, engine.TxSuccess, a.res)

	conn := &wire.Request{Op: wire.OpCreate, Type: engine.ResourceSyncConnection, Params: &wire.Params{References: []uint16{a.resp.Handle}}}
	assert.Equal(t, engine.TxSuccess, send(t, n, sched, 0x200, conn).res)
	assert.Len(t, n.Resources(0x200), 2)
}

func TestDestroyIsAllOrNothing(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)
	a := send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))

	bad := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpDestroy, Handles: []uint16{a.resp.Handle, 0x4444}})
	assert.Equal(t, engine.TxStandardError, bad.res)
	assert.Equal(t, []uint16{a.resp.Handle}, n.Handles(0x200))

	ok := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpDestroy, Handles: []uint16{a.resp.Handle}})
	assert.Equal(t, engine.TxSuccess, ok.res)
	assert.Empty(t, n.Handles(0x200))
}

func TestDestroyRejectsReferencedResource(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)

	port := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpCreate, Type: engine.ResourceMlbPort, Params: &wire.Params{Index: 1, ClockConfig: 3}})
	require.Equal(t, engine.TxSuccess, port.res)
	sock := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpCreate, Type: engine.ResourceMlbSocket, Params: &wire.Params{References: []uint16{port.resp.Handle}}})
	require.Equal(t, engine.TxSuccess, sock.res)

	portOnly := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpDestroy, Handles: []uint16{port.resp.Handle}})
	assert.Equal(t, engine.TxConfiguration, portOnly.res)
	assert.Len(t, n.Handles(0x200), 2)

	both := send(t, n, sched, 0x200, &wire.Request{Op: wire.OpDestroy, Handles: []uint16{sock.resp.Handle, port.resp.Handle}})
	assert.Equal(t, engine.TxSuccess, both.res)
	assert.Empty(t, n.Handles(0x200))
}

func TestFailureInjection(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)
	n.FailNext(0x200, wire.OpCreate, engine.ResourceSyncConnection, engine.TxBusy, 2)

	// Other resource types are not affected.
	assert.Equal(t, engine.TxSuccess, send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0)).res)

	conn := &wire.Request{Op: wire.OpCreate, Type: engine.ResourceSyncConnection, Params: &wire.Params{}}
	assert.Equal(t, engine.TxBusy, send(t, n, sched, 0x200, conn).res)
	assert.Equal(t, engine.TxBusy, send(t, n, sched, 0x200, conn).res)
	assert.Equal(t, engine.TxSuccess, send(t, n, sched, 0x200, conn).res)

	n.FailSync(0x200, 1)
	assert.Equal(t, engine.SyncError, syncDevice(t, n, sched, 0x200))
	assert.Equal(t, engine.SyncSuccess, syncDevice(t, n, sched, 0x200))
}

func TestControlMessages(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)

	req := &wire.Request{Op: wire.OpControl, Control: &wire.Control{FBlockID: 0x50, FunctionID: 0x0C00, OpType: 2}}
	a := send(t, n, sched, 0x200, req)
	assert.Equal(t, engine.TxSuccess, a.res)
	assert.Equal(t, uint16(0x0C00), a.resp.FunctionID)

	n.SetControlHandler(0x200, func(c *wire.Control) (engine.TxResult, uint16) {
		return engine.TxSuccess, c.FunctionID + 1
	})
	a = send(t, n, sched, 0x200, req)
	assert.Equal(t, uint16(0x0C01), a.resp.FunctionID)

	log := n.Requests(wire.OpControl)
	require.Len(t, log, 2)
	assert.Equal(t, uint8(0x50), log[0].Control.FBlockID)
}

type recorder struct {
	invalidated map[uint16][]uint16
	lost        []uint16
}

func (r *recorder) ResourcesInvalidated(address uint16, handles []uint16) {
	r.invalidated[address] = append(r.invalidated[address], handles...)
}

func (r *recorder) DeviceLost(address uint16) {
	r.lost = append(r.lost, address)
}

func TestDeviceEvents(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)
	a := send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))
	b := send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0))

	rec := &recorder{invalidated: make(map[uint16][]uint16)}
	n.SubscribeDeviceEvents(rec)

	n.Invalidate(0x200, a.resp.Handle)
	assert.Empty(t, rec.invalidated, "events are delivered by the scheduler")
	sched.RunUntilIdle(10)
	assert.Equal(t, []uint16{a.resp.Handle}, rec.invalidated[0x200])
	assert.Equal(t, []uint16{b.resp.Handle}, n.Handles(0x200))

	n.Reset(0x200)
	sched.RunUntilIdle(10)
	assert.Equal(t, []uint16{0x200}, rec.lost)
	assert.False(t, n.Synced(0x200))
	assert.Empty(t, n.Handles(0x200))
}

func TestRemoveDevice(t *testing.T) {
	n, sched := newNetwork(t)
	n.AddDevice(0x200)
	syncDevice(t, n, sched, 0x200)
	n.RemoveDevice(0x200)

	assert.Equal(t, engine.TxTimeout, send(t, n, sched, 0x200, mostSocket(engine.DirectionOutput, 0)).res)
	assert.Nil(t, n.Resources(0x200))

	n.ClearLog()
	assert.Empty(t, n.Log())
}
