package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/jobs"
	"github.com/openmost/mostd/pkg/pool"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/simnet"
	"github.com/openmost/mostd/pkg/wire"
)

const recheck = 50 * time.Millisecond

type report struct {
	id   uint16
	info engine.RouteInfo
}

type fixture struct {
	t       *testing.T
	clk     *clock.Mock
	sched   *scheduler.Scheduler
	net     *simnet.Network
	pool    *pool.Pool
	eps     *endpoint.Manager
	mgr     *Manager
	nodeA   *engine.Node
	nodeB   *engine.Node
	reports []report
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		clk:   clock.NewMock(),
		nodeA: &engine.Node{Name: "head-unit", Signature: engine.Signature{NodeAddress: 0x200}},
		nodeB: &engine.Node{Name: "amplifier", Signature: engine.Signature{NodeAddress: 0x210}},
	}
	f.sched = scheduler.New(f.clk, nil)
	f.net = simnet.New(f.sched)
	f.net.AddDevice(f.nodeA.Address())
	f.net.AddDevice(f.nodeB.Address())

	p, err := pool.New(8, 64)
	require.NoError(t, err)
	f.pool = p

	reg := jobs.NewRegistry(jobs.Options{
		Pool:        p,
		Transceiver: f.net,
		RemoteSync:  f.net,
		Scheduler:   f.sched,
		Config:      jobs.Config{StepRetryLimit: 1, StepRetryDelay: 10 * time.Millisecond},
	})
	f.net.SubscribeDeviceEvents(reg)
	f.eps = endpoint.NewManager(reg, nil)

	opts := Options{
		Endpoints: f.eps,
		Scheduler: f.sched,
		Config:    Config{RecheckPeriod: recheck},
		Report: func(r *Route, info engine.RouteInfo) {
			f.reports = append(f.reports, report{id: r.ID, info: info})
		},
	}
	for _, c := range configure {
		c(&opts)
	}
	f.mgr = New(opts)
	return f
}

func (f *fixture) run() { f.sched.RunUntilIdle(1000) }

func (f *fixture) advance(d time.Duration) {
	f.clk.Add(d)
	f.run()
}

// online starts the routes with the network and both nodes available.
func (f *fixture) online(routes ...*Route) {
	f.t.Helper()
	require.NoError(f.t, f.mgr.Start(routes))
	f.mgr.SetNetworkAvailable(true)
	f.mgr.SetNodeAvailable(f.nodeA, true)
	f.mgr.SetNodeAvailable(f.nodeB, true)
	f.run()
}

func (f *fixture) infos(id uint16) []engine.RouteInfo {
	var out []engine.RouteInfo
	for _, r := range f.reports {
		if r.id == id {
			out = append(out, r.info)
		}
	}
	return out
}

func (f *fixture) creates(address uint16, t engine.ResourceType) []simnet.Record {
	var out []simnet.Record
	for _, rec := range f.net.Requests(wire.OpCreate) {
		if rec.Address == address && rec.Type == t && rec.Result == engine.TxSuccess {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fixture) handleOf(address uint16, t engine.ResourceType) uint16 {
	f.t.Helper()
	for _, r := range f.net.Resources(address) {
		if r.Type == t {
			return r.Handle
		}
	}
	f.t.Fatalf("no %s on %s", t, engine.FormatAddress(address))
	return 0
}

// audioSource plays an MLB channel of the head unit onto the network.
func audioSource(name string, node *engine.Node, port *engine.MlbPort, channel uint16) *endpoint.Endpoint {
	most := &engine.MostSocket{Direction: engine.DirectionOutput, DataType: engine.DataTypeSync, Bandwidth: 4}
	mlb := &engine.MlbSocket{Port: port, Direction: engine.DirectionInput, DataType: engine.DataTypeSync, Bandwidth: 4, ChannelAddress: channel}
	conn := &engine.SyncConnection{In: mlb, Out: most}
	return endpoint.New(name, endpoint.Source, node, &engine.JobList{
		Name:      name,
		Resources: []engine.Descriptor{port, most, mlb, conn},
	})
}

// audioSink plays a network connection on an MLB channel of the amplifier.
func audioSink(name string, node *engine.Node, port *engine.MlbPort, channel uint16) *endpoint.Endpoint {
	mlb := &engine.MlbSocket{Port: port, Direction: engine.DirectionOutput, DataType: engine.DataTypeSync, Bandwidth: 4, ChannelAddress: channel}
	most := &engine.MostSocket{Direction: engine.DirectionInput, DataType: engine.DataTypeSync, Bandwidth: 4}
	conn := &engine.SyncConnection{In: most, Out: mlb}
	return endpoint.New(name, endpoint.Sink, node, &engine.JobList{
		Name:      name,
		Resources: []engine.Descriptor{port, mlb, most, conn},
	})
}

func (f *fixture) audioLeft(portA, portB *engine.MlbPort) *Route {
	return NewRoute(1, "AudioLeft",
		audioSource("left-src", f.nodeA, portA, 0x0A),
		audioSink("left-sink", f.nodeB, portB, 0x0A),
		true)
}

func (f *fixture) audioRight(portA, portB *engine.MlbPort) *Route {
	return NewRoute(2, "AudioRight",
		audioSource("right-src", f.nodeA, portA, 0x0C),
		audioSink("right-sink", f.nodeB, portB, 0x0C),
		true)
}

func TestRouteBuildsSourceThenSink(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt}, f.infos(1))
	assert.Equal(t, engine.RouteStateBuilt, left.State())
	assert.Equal(t, engine.RouteResultNoError, left.Result())
	assert.Equal(t, engine.EndpointStateBuilt, left.Source.State())
	assert.Equal(t, engine.EndpointStateBuilt, left.Sink.State())

	label, ok := f.mgr.ConnectionLabel(left)
	require.True(t, ok)
	assert.Equal(t, simnet.FirstLabel, label)

	// The sink joins the connection the source opened.
	sinkSockets := f.creates(f.nodeB.Address(), engine.ResourceMostSocket)
	require.Len(t, sinkSockets, 1)
	assert.Equal(t, label, sinkSockets[0].Label)

	// Every source resource exists before the sink is started.
	log := f.net.Requests(wire.OpCreate)
	require.Len(t, log, 8)
	for i, rec := range log {
		if i < 4 {
			assert.Equal(t, f.nodeA.Address(), rec.Address)
		} else {
			assert.Equal(t, f.nodeB.Address(), rec.Address)
		}
	}
}

func TestRouteWaitsForNetworkAndNodes(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	require.NoError(t, f.mgr.Start([]*Route{left}))

	f.mgr.SetNodeAvailable(f.nodeA, true)
	f.mgr.SetNodeAvailable(f.nodeB, true)
	f.advance(recheck)
	assert.Equal(t, engine.RouteStateIdle, left.State(), "network down")

	f.mgr.SetNodeAvailable(f.nodeB, false)
	f.mgr.SetNetworkAvailable(true)
	f.advance(recheck)
	assert.Equal(t, engine.RouteStateIdle, left.State(), "sink node missing")
	assert.False(t, f.mgr.NodeAvailable(f.nodeB))

	f.mgr.SetNodeAvailable(f.nodeB, true)
	f.run()
	assert.Equal(t, engine.RouteStateBuilt, left.State())
	assert.True(t, f.mgr.NetworkAvailable())
}

func TestActivateAndDeactivate(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	left.active = false
	f.online(left)

	assert.Equal(t, engine.RouteStateIdle, left.State())
	assert.Empty(t, f.reports)

	require.NoError(t, f.mgr.Activate(left))
	f.run()
	assert.Equal(t, engine.RouteStateBuilt, left.State())

	require.NoError(t, f.mgr.Deactivate(left))
	f.run()
	assert.Equal(t, engine.RouteStateIdle, left.State())
	assert.False(t, left.Active())
	assert.Empty(t, f.net.Handles(f.nodeA.Address()))
	assert.Empty(t, f.net.Handles(f.nodeB.Address()))
	_, ok := f.mgr.ConnectionLabel(left)
	assert.False(t, ok)

	require.NoError(t, f.mgr.Activate(left))
	f.run()
	assert.Equal(t, []engine.RouteInfo{
		engine.RouteInfoBuilt, engine.RouteInfoDestroyed, engine.RouteInfoBuilt,
	}, f.infos(1))
}

func TestActivateUnknownRoute(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	stranger := f.audioRight(&engine.MlbPort{}, &engine.MlbPort{})
	err := f.mgr.Activate(stranger)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestSharedPortOutlivesFirstRoute(t *testing.T) {
	f := newFixture(t)
	portA, portB := &engine.MlbPort{}, &engine.MlbPort{}
	left := f.audioLeft(portA, portB)
	right := f.audioRight(portA, portB)
	f.online(left, right)

	require.Equal(t, engine.RouteStateBuilt, left.State())
	require.Equal(t, engine.RouteStateBuilt, right.State())
	assert.Len(t, f.creates(f.nodeA.Address(), engine.ResourceMlbPort), 1, "one device create for the shared port")
	portHandle := f.handleOf(f.nodeA.Address(), engine.ResourceMlbPort)

	require.NoError(t, f.mgr.Deactivate(left))
	f.run()
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoDestroyed}, f.infos(1))
	assert.Contains(t, f.net.Handles(f.nodeA.Address()), portHandle)
	assert.Equal(t, engine.RouteStateBuilt, right.State())

	require.NoError(t, f.mgr.Deactivate(right))
	f.run()
	assert.Empty(t, f.net.Handles(f.nodeA.Address()))
	assert.Empty(t, f.net.Handles(f.nodeB.Address()))
}

func TestSharedEndpointKeptByOtherRoute(t *testing.T) {
	f := newFixture(t)
	src := audioSource("src", f.nodeA, &engine.MlbPort{}, 0x0A)
	portB := &engine.MlbPort{}
	first := NewRoute(1, "front", src, audioSink("front", f.nodeB, portB, 0x0A), true)
	second := NewRoute(2, "rear", src, audioSink("rear", f.nodeB, portB, 0x0C), true)
	f.online(first, second)

	require.Equal(t, engine.RouteStateBuilt, first.State())
	require.Equal(t, engine.RouteStateBuilt, second.State())
	assert.Equal(t, []*Route{first, second}, f.mgr.AttachedRoutes(src))

	label, _ := f.mgr.ConnectionLabel(first)
	rearLabel, _ := f.mgr.ConnectionLabel(second)
	assert.Equal(t, label, rearLabel, "both sinks listen to the same connection")

	require.NoError(t, f.mgr.Deactivate(first))
	f.run()
	assert.Equal(t, engine.EndpointStateBuilt, src.State())
	assert.Equal(t, engine.RouteStateBuilt, second.State())

	require.NoError(t, f.mgr.Deactivate(second))
	f.run()
	assert.Equal(t, engine.EndpointStateIdle, src.State())
	assert.Empty(t, f.net.Handles(f.nodeA.Address()))
}

func TestCriticalSinkErrorWaitsForTick(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.net.FailNext(f.nodeB.Address(), wire.OpCreate, engine.ResourceMostSocket, engine.TxConfiguration, 1)
	f.online(left)

	assert.Equal(t, engine.RouteStateDeteriorated, left.State())
	assert.Equal(t, engine.RouteResultCritical, left.Result())
	assert.Empty(t, f.reports)
	attempts := len(f.net.Requests(wire.OpCreate))

	f.advance(recheck / 2)
	assert.Len(t, f.net.Requests(wire.OpCreate), attempts, "no retry before the tick")

	f.advance(recheck / 2)
	assert.Equal(t, engine.RouteStateBuilt, left.State())
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt}, f.infos(1))
}

func TestUncriticalErrorRetriesOnTick(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.net.FailNext(f.nodeB.Address(), wire.OpCreate, engine.ResourceMostSocket, engine.TxBusy, 2)
	f.online(left)

	f.advance(10 * time.Millisecond)
	assert.Equal(t, engine.RouteStateConstruction, left.State())
	assert.Equal(t, engine.RouteResultUncritical, left.Result())
	assert.Equal(t, 1, left.Sink.Retries())

	f.advance(recheck - 10*time.Millisecond)
	assert.Equal(t, engine.RouteStateBuilt, left.State())
	assert.Equal(t, engine.RouteResultNoError, left.Result())
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt}, f.infos(1))
}

func TestEndpointRetryLimitEscalates(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxEndpointRetries = 1 })
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.net.FailNext(f.nodeB.Address(), wire.OpCreate, engine.ResourceMostSocket, engine.TxBusy, 4)
	f.online(left)

	f.advance(10 * time.Millisecond)
	assert.Equal(t, engine.RouteStateConstruction, left.State())
	assert.Equal(t, 1, left.Sink.Retries())

	f.advance(recheck)
	f.advance(10 * time.Millisecond)
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())
	assert.Equal(t, engine.RouteResultCritical, left.Result())
}

func TestDeviceInvalidationDeterioratesRoute(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	f.net.Invalidate(f.nodeB.Address(), f.handleOf(f.nodeB.Address(), engine.ResourceMostSocket))
	f.run()
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())
	assert.Equal(t, engine.RouteResultUncritical, left.Result())
	assert.Equal(t, engine.EndpointStateIdle, left.Sink.State())
	assert.Equal(t, engine.EndpointStateBuilt, left.Source.State())

	f.advance(recheck)
	assert.Equal(t, engine.RouteStateBuilt, left.State())
	assert.Equal(t, []engine.RouteInfo{
		engine.RouteInfoBuilt, engine.RouteInfoDestroyed, engine.RouteInfoBuilt,
	}, f.infos(1))
}

func TestInvalidatedSharedEndpointDeterioratesEveryRoute(t *testing.T) {
	f := newFixture(t)
	src := audioSource("src", f.nodeA, &engine.MlbPort{}, 0x0A)
	portB := &engine.MlbPort{}
	first := NewRoute(1, "front", src, audioSink("front", f.nodeB, portB, 0x0A), true)
	second := NewRoute(2, "rear", src, audioSink("rear", f.nodeB, portB, 0x0C), true)
	f.online(first, second)
	require.Equal(t, engine.RouteStateBuilt, first.State())
	require.Equal(t, engine.RouteStateBuilt, second.State())

	f.net.Invalidate(f.nodeA.Address(), f.handleOf(f.nodeA.Address(), engine.ResourceMostSocket))
	f.run()
	assert.Equal(t, engine.EndpointStateIdle, src.State())
	for _, r := range []*Route{first, second} {
		assert.Equal(t, engine.RouteStateDeteriorated, r.State(), r.Name)
		assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoDestroyed}, f.infos(r.ID), r.Name)
	}

	f.advance(recheck)
	for _, r := range []*Route{first, second} {
		assert.Equal(t, engine.RouteStateBuilt, r.State(), r.Name)
		assert.Equal(t, []engine.RouteInfo{
			engine.RouteInfoBuilt, engine.RouteInfoDestroyed, engine.RouteInfoBuilt,
		}, f.infos(r.ID), r.Name)
		label, ok := f.mgr.ConnectionLabel(r)
		require.True(t, ok)
		assert.Equal(t, simnet.FirstLabel+1, label, r.Name)
	}
}

func TestRebuiltSourceRelabelsSink(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	f.net.Invalidate(f.nodeA.Address(), f.handleOf(f.nodeA.Address(), engine.ResourceMostSocket))
	f.run()
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())

	f.advance(recheck)
	require.Equal(t, engine.RouteStateBuilt, left.State())

	label, _ := f.mgr.ConnectionLabel(left)
	assert.Equal(t, simnet.FirstLabel+1, label)
	sinkSockets := f.creates(f.nodeB.Address(), engine.ResourceMostSocket)
	require.Len(t, sinkSockets, 2)
	assert.Equal(t, label, sinkSockets[1].Label)
	assert.Len(t, f.net.Resources(f.nodeB.Address()), 4, "the stale sink was destroyed")
}

func TestDeactivationDuringConstructionIsLatched(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.net.FailNext(f.nodeB.Address(), wire.OpCreate, engine.ResourceMostSocket, engine.TxBusy, 1)
	f.online(left)
	require.Equal(t, engine.EndpointStateProcessing, left.Sink.State())

	require.NoError(t, f.mgr.Deactivate(left))
	f.run()
	assert.Equal(t, engine.RouteStateConstruction, left.State(), "waits for the running build")

	f.advance(10 * time.Millisecond)
	assert.Equal(t, engine.RouteStateIdle, left.State())
	assert.Empty(t, f.reports, "a route that never reported Built does not report Destroyed")
	assert.Empty(t, f.net.Handles(f.nodeA.Address()))
	assert.Empty(t, f.net.Handles(f.nodeB.Address()))
}

func TestStopSuspendsEveryRouteOnce(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	right := f.audioRight(&engine.MlbPort{}, &engine.MlbPort{})
	right.active = false
	f.online(left, right)

	f.mgr.Stop()
	assert.False(t, f.mgr.Stopped())
	f.run()

	assert.True(t, f.mgr.Stopped())
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoSuspended}, f.infos(1))
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoSuspended}, f.infos(2))
	assert.Empty(t, f.net.Handles(f.nodeA.Address()))
	assert.Empty(t, f.net.Handles(f.nodeB.Address()))

	f.mgr.Terminate()
	assert.Len(t, f.reports, 3, "termination after stop reports nothing")
	assert.Error(t, f.mgr.Activate(left))
}

func TestTerminateReportsProcessStopOnce(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	right := f.audioRight(&engine.MlbPort{}, &engine.MlbPort{})
	right.active = false
	f.online(left, right)

	f.mgr.Terminate()
	f.mgr.Terminate()
	f.advance(recheck)

	assert.Equal(t, engine.RouteStateSuspended, left.State())
	assert.Equal(t, engine.RouteStateSuspended, right.State())
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoProcessStop}, f.infos(1))
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoProcessStop}, f.infos(2))
	assert.Zero(t, f.pool.Stats().JobsUsed)
}

func TestNetworkLossResetsRoutes(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	f.mgr.SetNetworkAvailable(false)
	assert.Equal(t, engine.RouteStateIdle, left.State())
	assert.Equal(t, engine.EndpointStateIdle, left.Source.State())
	assert.Zero(t, f.pool.Stats().JobsUsed)
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoDestroyed}, f.infos(1))

	f.advance(recheck)
	assert.Equal(t, engine.RouteStateIdle, left.State())

	f.mgr.SetNetworkAvailable(true)
	f.run()
	assert.Equal(t, engine.RouteStateBuilt, left.State())
}

func TestNodeLossDeterioratesUntilRediscovered(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	f.mgr.SetNodeAvailable(f.nodeB, false)
	f.run()
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())
	assert.Equal(t, []engine.RouteInfo{engine.RouteInfoBuilt, engine.RouteInfoDestroyed}, f.infos(1))

	f.advance(recheck)
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())

	f.mgr.SetNodeAvailable(f.nodeB, true)
	f.run()
	assert.Equal(t, engine.RouteStateBuilt, left.State())
}

func TestSyncFailureMarksNodeUnavailable(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.net.FailSync(f.nodeB.Address(), 1)
	f.online(left)

	assert.Equal(t, engine.RouteStateDeteriorated, left.State())
	assert.Equal(t, engine.RouteResultCritical, left.Result())
	assert.False(t, f.mgr.NodeAvailable(f.nodeB))

	f.advance(recheck)
	assert.Equal(t, engine.RouteStateDeteriorated, left.State())

	f.mgr.SetNodeAvailable(f.nodeB, true)
	f.run()
	assert.Equal(t, engine.RouteStateBuilt, left.State())
}

func TestAdmissionHook(t *testing.T) {
	allow := false
	var seen []uint16
	f := newFixture(t, func(o *Options) {
		o.Admit = func(r *Route) error {
			seen = append(seen, r.ID)
			if !allow {
				return errors.New("bandwidth exhausted")
			}
			return nil
		}
	})
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	assert.Equal(t, engine.RouteStateIdle, left.State())
	assert.Empty(t, f.net.Log())
	calls := len(seen)
	f.run()
	assert.Len(t, seen, calls, "rejected routes wait for the next tick")

	allow = true
	f.advance(recheck)
	assert.Equal(t, engine.RouteStateBuilt, left.State())
}

func TestNodeScriptGatesAvailability(t *testing.T) {
	var pending func(error)
	f := newFixture(t, func(o *Options) {
		o.Prepare = func(n *engine.Node, done func(error)) { pending = done }
	})
	f.nodeB.Script = []engine.ScriptMessage{{FBlockID: 0x22, FunctionID: 0x0200, OpType: 2}}
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	f.online(left)

	require.NotNil(t, pending)
	assert.False(t, f.mgr.NodeAvailable(f.nodeB))
	assert.True(t, f.mgr.NodeAvailable(f.nodeA), "nodes without script are ready at once")
	assert.Equal(t, engine.RouteStateIdle, left.State())

	pending(errors.New("no answer"))
	f.run()
	assert.False(t, f.mgr.NodeAvailable(f.nodeB))

	pending = nil
	f.mgr.SetNodeAvailable(f.nodeB, true)
	require.NotNil(t, pending)
	pending(nil)
	f.run()
	assert.True(t, f.mgr.NodeAvailable(f.nodeB))
	assert.Equal(t, engine.RouteStateBuilt, left.State())
}

func TestStartRejectsDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	dup := NewRoute(1, "dup", left.Source, left.Sink, true)

	err := f.mgr.Start([]*Route{left, dup})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))

	require.NoError(t, f.mgr.Start([]*Route{left}))
	assert.Error(t, f.mgr.Start([]*Route{left}))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	left := f.audioLeft(&engine.MlbPort{}, &engine.MlbPort{})
	right := f.audioRight(&engine.MlbPort{}, &engine.MlbPort{})
	right.active = false
	f.online(left, right)

	got := f.mgr.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, Status{
		ID: 1, Name: "AudioLeft", Active: true,
		State: engine.RouteStateBuilt, Result: engine.RouteResultNoError,
		Label: simnet.FirstLabel, Source: "left-src", Sink: "left-sink",
	}, got[0])
	assert.Equal(t, engine.RouteStateIdle, got[1].State)
	assert.Zero(t, got[1].Label)

	r, ok := f.mgr.Route(2)
	require.True(t, ok)
	assert.Same(t, right, r)
	assert.Len(t, f.mgr.Routes(), 2)
}
