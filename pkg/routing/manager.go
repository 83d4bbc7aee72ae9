// Package routing owns the configured routes and advances each one through
// its lifecycle: Idle, Construction, Built, Deteriorated, Destruction and
// Suspended. Progress is driven by endpoint events, a periodic recheck timer,
// network and node availability, and system stop or termination.
//
// Every method runs on the scheduler goroutine.
package routing

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/telemetry"
)

const evProcess scheduler.Event = 1

var errNodeUnavailable = errors.New("node unavailable")

// ReportFunc receives the route reports.
type ReportFunc func(r *Route, info engine.RouteInfo)

// AdmitFunc decides whether an idle route may start construction. A non-nil
// error keeps the route idle until the next recheck.
type AdmitFunc func(r *Route) error

// PrepareFunc runs before a node that became available is used by any route.
// done must be called on the scheduler goroutine.
type PrepareFunc func(n *engine.Node, done func(error))

// Config holds the route manager settings.
type Config struct {
	// RecheckPeriod is the period of the timer that retries deferred routes.
	RecheckPeriod time.Duration

	// MaxEndpointRetries escalates a route to a critical result once one of
	// its endpoints failed uncritically more often. Zero means unlimited.
	MaxEndpointRetries int
}

// DefaultConfig returns the route manager defaults.
func DefaultConfig() Config {
	return Config{RecheckPeriod: 50 * time.Millisecond}
}

// Options are the collaborators of a Manager.
type Options struct {
	Endpoints *endpoint.Manager
	Scheduler *scheduler.Scheduler
	Config    Config

	// Telemetry, Report, Admit and Prepare are optional.
	Telemetry *telemetry.Telemetry
	Report    ReportFunc
	Admit     AdmitFunc
	Prepare   PrepareFunc
}

type nodeState int

const (
	nodeUnavailable nodeState = iota
	nodePreparing
	nodeAvailable
)

type nodeEntry struct {
	node  *engine.Node
	state nodeState
	gen   uint64
}

// Manager is the route manager.
type Manager struct {
	eps     *endpoint.Manager
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  trace.Tracer
	report  ReportFunc
	admit   AdmitFunc
	prepare PrepareFunc

	svc   *scheduler.Service
	timer *scheduler.Timer

	routes []*Route
	byID   map[uint16]*Route
	nodes  map[uint16]*nodeEntry

	network    bool
	started    bool
	stopping   bool
	terminated bool
}

// New creates a route manager. Routes are added with Start.
func New(opts Options) *Manager {
	m := &Manager{
		eps:     opts.Endpoints,
		cfg:     opts.Config,
		logger:  opts.Telemetry.ComponentLogger("routing"),
		metrics: opts.Telemetry.MetricsSink(),
		events:  opts.Telemetry.EventSink(),
		tracer:  opts.Telemetry.ComponentTracer("routing"),
		report:  opts.Report,
		admit:   opts.Admit,
		prepare: opts.Prepare,
		byID:    make(map[uint16]*Route),
		nodes:   make(map[uint16]*nodeEntry),
	}
	m.svc = opts.Scheduler.RegisterService(1, "routing", m.service)
	m.timer = opts.Scheduler.NewTimer("routing/recheck", m.onTick)
	return m
}

// Start takes ownership of the routes and begins processing them.
func (m *Manager) Start(routes []*Route) error {
	if m.started {
		return engine.NewRejectedError("route manager already started", nil).
			WithCode(engine.ErrCodeInvalidState)
	}

	seen := make(map[uint16]bool, len(routes))
	for _, r := range routes {
		if r == nil || r.Source == nil || r.Sink == nil {
			return engine.NewRejectedError("route without endpoints", nil).
				WithCode(engine.ErrCodeValidation)
		}
		if seen[r.ID] {
			return engine.NewRejectedError("duplicate route id", nil).
				WithCode(engine.ErrCodeValidation).
				WithDetail("route_id", r.ID)
		}
		seen[r.ID] = true
	}

	for _, r := range routes {
		m.routes = append(m.routes, r)
		m.byID[r.ID] = r
		for _, ep := range []*endpoint.Endpoint{r.Source, r.Sink} {
			m.eps.Register(ep)
			m.eps.AddObserver(ep, m)
			m.node(ep.Node())
		}
	}

	m.started = true
	if m.cfg.RecheckPeriod > 0 {
		m.timer.Set(m.cfg.RecheckPeriod, m.cfg.RecheckPeriod)
	}
	m.logger.Infof("route manager started with %d routes", len(routes))
	m.updateGauges()
	m.svc.SetEvent(evProcess)
	return nil
}

// Routes returns the routes in configuration order.
func (m *Manager) Routes() []*Route {
	return append([]*Route(nil), m.routes...)
}

// Route returns a route by id.
func (m *Manager) Route(id uint16) (*Route, bool) {
	r, ok := m.byID[id]
	return r, ok
}

// Activate marks a route to be built.
func (m *Manager) Activate(r *Route) error {
	if err := m.checkRoute(r, "activate"); err != nil {
		return err
	}
	if !r.active {
		r.active = true
		m.logger.WithRoute(r.ID, r.Name).Info("route activated")
	}
	m.svc.SetEvent(evProcess)
	return nil
}

// Deactivate marks a route to be destroyed. The configuration is kept, so the
// route can be activated again. A deactivation during construction takes
// effect once the running endpoint operation completes.
func (m *Manager) Deactivate(r *Route) error {
	if err := m.checkRoute(r, "deactivate"); err != nil {
		return err
	}
	if r.active {
		r.active = false
		m.logger.WithRoute(r.ID, r.Name).Info("route deactivated")
	}
	m.svc.SetEvent(evProcess)
	return nil
}

func (m *Manager) checkRoute(r *Route, operation string) error {
	if r == nil || m.byID[r.ID] != r {
		return engine.NewRejectedError("unknown route", engine.ErrNotFound).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(operation)
	}
	if !m.started || m.stopping || m.terminated || r.state == engine.RouteStateSuspended {
		return engine.NewRejectedError("route manager not running", nil).
			WithCode(engine.ErrCodeInvalidState).
			WithOperation(operation)
	}
	return nil
}

// AttachedRoutes returns every route using ep.
func (m *Manager) AttachedRoutes(ep *endpoint.Endpoint) []*Route {
	var out []*Route
	for _, r := range m.routes {
		if r.uses(ep) {
			out = append(out, r)
		}
	}
	return out
}

// ConnectionLabel returns the network connection label of a built route.
func (m *Manager) ConnectionLabel(r *Route) (uint16, bool) {
	if r.state != engine.RouteStateBuilt {
		return 0, false
	}
	return m.eps.Label(r.Source), true
}

// Snapshot returns the status of every route.
func (m *Manager) Snapshot() []Status {
	out := make([]Status, 0, len(m.routes))
	for _, r := range m.routes {
		label, _ := m.ConnectionLabel(r)
		out = append(out, Status{
			ID:     r.ID,
			Name:   r.Name,
			Active: r.active,
			State:  r.state,
			Result: r.result,
			Label:  label,
			Source: r.Source.Name(),
			Sink:   r.Sink.Name(),
		})
	}
	return out
}

// SetNetworkAvailable reports the state of the network. On loss every route
// that holds resources returns to Idle and every job is forgotten.
func (m *Manager) SetNetworkAvailable(available bool) {
	if m.terminated || m.network == available {
		return
	}
	m.network = available
	if available {
		m.logger.Info("network available")
		m.svc.SetEvent(evProcess)
		return
	}

	m.logger.Warn("network lost")
	for _, r := range m.routes {
		if r.state == engine.RouteStateIdle || r.state == engine.RouteStateSuspended {
			continue
		}
		m.endSpan(r, errors.New("network lost"))
		m.setState(r, engine.RouteStateIdle)
		r.waitTick = false
		m.destroyed(r)
	}
	m.eps.Reset()
	m.updateGauges()
	m.svc.SetEvent(evProcess)
}

// NetworkAvailable reports whether the network is up.
func (m *Manager) NetworkAvailable() bool { return m.network }

// SetNodeAvailable reports whether a node can be used. A node with a
// configuration script becomes usable once the script has run. Losing a node
// forces its endpoints to Idle, which deteriorates the routes using them.
func (m *Manager) SetNodeAvailable(n *engine.Node, available bool) {
	if m.terminated {
		return
	}
	ne := m.node(n)
	ne.gen++

	if !available {
		prev := ne.state
		ne.state = nodeUnavailable
		if prev != nodeUnavailable {
			m.logger.WithNode(n.Address()).Info("node unavailable")
			_ = m.events.PublishNodeAvailable(n.Address(), false)
		}
		m.eps.MarkNodeInvalid(n.Address())
		m.svc.SetEvent(evProcess)
		return
	}

	if ne.state != nodeUnavailable {
		return
	}
	if m.prepare == nil || len(n.Script) == 0 {
		m.nodeReady(ne)
		return
	}

	ne.state = nodePreparing
	gen := ne.gen
	m.logger.WithNode(n.Address()).Debugf("running node script, %d messages", len(n.Script))
	m.prepare(n, func(err error) {
		if ne.gen != gen || m.terminated {
			return
		}
		if err != nil {
			ne.state = nodeUnavailable
			m.logger.WithNode(n.Address()).WithError(err).Error("node script failed")
			_ = m.events.PublishNodeScriptFailed(n.Address(), err.Error())
			return
		}
		m.nodeReady(ne)
	})
}

func (m *Manager) nodeReady(ne *nodeEntry) {
	ne.state = nodeAvailable
	m.logger.WithNode(ne.node.Address()).Info("node available")
	_ = m.events.PublishNodeAvailable(ne.node.Address(), true)
	m.svc.SetEvent(evProcess)
}

// NodeAvailable reports whether routes may use a node.
func (m *Manager) NodeAvailable(n *engine.Node) bool {
	ne, ok := m.nodes[n.Address()]
	return ok && ne.state == nodeAvailable
}

func (m *Manager) node(n *engine.Node) *nodeEntry {
	ne, ok := m.nodes[n.Address()]
	if !ok {
		ne = &nodeEntry{node: n}
		m.nodes[n.Address()] = ne
	}
	return ne
}

// Stop destroys every route gracefully. Each route ends Suspended with one
// Suspended report.
func (m *Manager) Stop() {
	if !m.started || m.stopping || m.terminated {
		return
	}
	m.stopping = true
	m.logger.Info("stopping routes")
	m.svc.SetEvent(evProcess)
}

// Stopped reports whether every route is suspended.
func (m *Manager) Stopped() bool {
	for _, r := range m.routes {
		if r.state != engine.RouteStateSuspended {
			return false
		}
	}
	return true
}

// Terminate suspends every route at once. Routes not yet suspended by Stop
// get exactly one ProcessStop report. Device resources are abandoned.
func (m *Manager) Terminate() {
	if m.terminated {
		return
	}
	m.terminated = true
	m.timer.Stop()
	for _, r := range m.routes {
		m.endSpan(r, errors.New("terminated"))
		r.state = engine.RouteStateSuspended
		r.built = false
		if !r.notified {
			r.notified = true
			m.deliver(r, engine.RouteInfoProcessStop)
		}
	}
	m.eps.Reset()
	m.updateGauges()
	m.logger.Info("route manager terminated")
}

// EndpointChanged implements endpoint.Observer.
func (m *Manager) EndpointChanged(ev endpoint.Event) {
	if m.terminated {
		return
	}
	ep := ev.Endpoint
	if ev.State == engine.EndpointStateIdle {
		if ev.Err != nil && endpoint.IsNodeLoss(ev.Err) {
			ne := m.node(ep.Node())
			if ne.state == nodeAvailable {
				ne.state = nodeUnavailable
				m.logger.WithNode(ep.Address()).Warn("remote sync failed, node unavailable until rediscovered")
				_ = m.events.PublishNodeAvailable(ep.Address(), false)
			}
		}
		for _, r := range m.AttachedRoutes(ep) {
			m.endpointLost(r, ep, ev.Err)
		}
	}
	m.svc.SetEvent(evProcess)
}

// endpointLost applies an endpoint that went back to Idle to a route using it.
func (m *Manager) endpointLost(r *Route, ep *endpoint.Endpoint, err error) {
	log := m.logger.WithRoute(r.ID, r.Name).WithEndpoint(ep.Name())
	switch r.state {
	case engine.RouteStateConstruction:
		if err == nil {
			return
		}
		r.waitTick = true
		if engine.IsUncritical(err) && !m.retriesExceeded(ep) {
			r.result = engine.RouteResultUncritical
			log.WithError(err).Debug("endpoint failed, retrying on next tick")
			return
		}
		r.result = engine.RouteResultCritical
		log.WithError(err).Warn("endpoint failed, route deteriorated")
		m.endSpan(r, err)
		m.setState(r, engine.RouteStateDeteriorated)

	case engine.RouteStateBuilt:
		r.waitTick = true
		r.result = resultOf(err)
		log.WithError(err).Warn("endpoint lost, route deteriorated")
		m.setState(r, engine.RouteStateDeteriorated)
		m.destroyed(r)

	case engine.RouteStateDeteriorated:
		if err != nil {
			r.result = resultOf(err)
		}
	}
}

func (m *Manager) retriesExceeded(ep *endpoint.Endpoint) bool {
	return m.cfg.MaxEndpointRetries > 0 && ep.Retries() > m.cfg.MaxEndpointRetries
}

func resultOf(err error) engine.RouteResult {
	switch {
	case err == nil, engine.IsUncritical(err):
		return engine.RouteResultUncritical
	default:
		return engine.RouteResultCritical
	}
}

func (m *Manager) onTick() {
	for _, r := range m.routes {
		r.waitTick = false
	}
	m.svc.SetEvent(evProcess)
}

func (m *Manager) service(ev scheduler.Event) {
	if ev&evProcess == 0 || m.terminated || !m.started {
		return
	}
	for _, r := range m.routes {
		m.advance(r)
	}
	m.updateGauges()
}

// advance moves one route as far as it can go without waiting.
func (m *Manager) advance(r *Route) {
	switch r.state {
	case engine.RouteStateIdle:
		if m.stopping {
			m.suspend(r)
			return
		}
		if !r.active || r.waitTick || !m.network || !m.nodesReady(r) {
			return
		}
		if !m.admitted(r) {
			r.waitTick = true
			return
		}
		m.beginConstruction(r)

	case engine.RouteStateConstruction:
		if m.wantsDown(r) {
			m.beginDestruction(r)
			return
		}
		if !m.nodesReady(r) {
			r.waitTick = true
			m.endSpan(r, errNodeUnavailable)
			m.setState(r, engine.RouteStateDeteriorated)
			return
		}
		if !r.waitTick {
			m.construct(r)
		}

	case engine.RouteStateBuilt:
		if m.wantsDown(r) {
			m.beginDestruction(r)
		}

	case engine.RouteStateDeteriorated:
		if m.wantsDown(r) {
			m.beginDestruction(r)
			return
		}
		if r.waitTick || !m.network || !m.nodesReady(r) {
			return
		}
		m.beginConstruction(r)

	case engine.RouteStateDestruction:
		m.destruct(r)
	}
}

func (m *Manager) wantsDown(r *Route) bool {
	return !r.active || m.stopping
}

func (m *Manager) nodesReady(r *Route) bool {
	return m.NodeAvailable(r.Source.Node()) && m.NodeAvailable(r.Sink.Node())
}

func (m *Manager) admitted(r *Route) bool {
	if m.admit == nil {
		return true
	}
	if err := m.admit(r); err != nil {
		if !r.rejected {
			r.rejected = true
			m.logger.WithRoute(r.ID, r.Name).WithError(err).Warn("route not admitted")
			_ = m.events.PublishRouteRejected(r.ID, r.Name, err.Error())
		}
		return false
	}
	r.rejected = false
	return true
}

func (m *Manager) beginConstruction(r *Route) {
	m.setState(r, engine.RouteStateConstruction)
	_, r.span = m.tracer.Start(context.Background(), "routing.construct", trace.WithAttributes(
		telemetry.AttrRouteID.Int(int(r.ID)),
		telemetry.AttrRouteName.String(r.Name),
	))
	m.construct(r)
}

// construct builds the source, then the sink with the source label.
func (m *Manager) construct(r *Route) {
	src, sink := r.Source, r.Sink
	switch src.State() {
	case engine.EndpointStateProcessing:
		return
	case engine.EndpointStateIdle:
		m.startBuild(r, src)
		return
	}

	label := m.eps.Label(src)
	switch sink.State() {
	case engine.EndpointStateProcessing:
		return
	case engine.EndpointStateIdle:
		m.eps.SetLabel(sink, label)
		m.startBuild(r, sink)
		return
	case engine.EndpointStateBuilt:
		if m.eps.Label(sink) != label && !m.keptByOther(sink, r) {
			// The sink still listens to a connection that no longer exists.
			m.startTeardown(r, sink)
			return
		}
	}

	r.result = engine.RouteResultNoError
	r.waitTick = false
	m.setState(r, engine.RouteStateBuilt)
	m.endSpan(r, nil)
	r.built = true
	m.deliver(r, engine.RouteInfoBuilt)
}

func (m *Manager) beginDestruction(r *Route) {
	if r.Source.State() == engine.EndpointStateProcessing || r.Sink.State() == engine.EndpointStateProcessing {
		return
	}
	m.endSpan(r, nil)
	m.setState(r, engine.RouteStateDestruction)
	m.destruct(r)
}

// destruct tears down the sink, then the source, skipping endpoints another
// route still needs.
func (m *Manager) destruct(r *Route) {
	for _, ep := range []*endpoint.Endpoint{r.Sink, r.Source} {
		switch {
		case ep.State() == engine.EndpointStateProcessing:
			return
		case ep.State() == engine.EndpointStateIdle, m.keptByOther(ep, r):
			continue
		}
		m.startTeardown(r, ep)
		return
	}

	if m.stopping {
		m.suspend(r)
		return
	}
	m.setState(r, engine.RouteStateIdle)
	r.result = engine.RouteResultNoError
	m.destroyed(r)
}

// keptByOther reports whether another route still holds or acquires ep.
func (m *Manager) keptByOther(ep *endpoint.Endpoint, r *Route) bool {
	if m.stopping {
		return false
	}
	for _, o := range m.routes {
		if o == r || !o.active || !o.uses(ep) {
			continue
		}
		switch o.state {
		case engine.RouteStateConstruction, engine.RouteStateBuilt, engine.RouteStateDeteriorated:
			return true
		}
	}
	return false
}

func (m *Manager) startBuild(r *Route, ep *endpoint.Endpoint) {
	m.startOp(r, ep, "build", m.eps.StartBuild)
}

func (m *Manager) startTeardown(r *Route, ep *endpoint.Endpoint) {
	m.startOp(r, ep, "teardown", m.eps.StartTeardown)
}

func (m *Manager) startOp(r *Route, ep *endpoint.Endpoint, name string, fn func(*endpoint.Endpoint) error) {
	err := fn(ep)
	if err == nil || errors.Is(err, engine.ErrBusy) {
		// A busy engine reports to another route soon, which triggers processing again.
		return
	}
	r.waitTick = true
	if r.state == engine.RouteStateConstruction {
		r.result = resultOf(err)
		if engine.IsRejected(err) {
			r.result = engine.RouteResultCritical
		}
	}
	m.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
	m.logger.WithRoute(r.ID, r.Name).WithEndpoint(ep.Name()).WithError(err).Warnf("endpoint %s refused", name)
}

func (m *Manager) suspend(r *Route) {
	m.endSpan(r, nil)
	m.setState(r, engine.RouteStateSuspended)
	r.built = false
	if !r.notified {
		r.notified = true
		m.deliver(r, engine.RouteInfoSuspended)
	}
}

// destroyed reports Destroyed for a route that reported Built before.
func (m *Manager) destroyed(r *Route) {
	if !r.built {
		return
	}
	r.built = false
	m.deliver(r, engine.RouteInfoDestroyed)
}

func (m *Manager) deliver(r *Route, info engine.RouteInfo) {
	m.logger.WithRoute(r.ID, r.Name).Infof("route %s", info)
	m.metrics.RecordRouteReport(string(info))
	_ = m.events.PublishRouteReport(r.ID, r.Name, info)
	if m.report != nil {
		m.report(r, info)
	}
}

func (m *Manager) setState(r *Route, s engine.RouteState) {
	if r.state == s {
		return
	}
	m.logger.WithRoute(r.ID, r.Name).Debugf("%s -> %s", r.state, s)
	r.state = s
}

func (m *Manager) endSpan(r *Route, err error) {
	if r.span == nil {
		return
	}
	if err != nil {
		telemetry.RecordError(r.span, err)
	} else {
		telemetry.RecordSuccess(r.span)
	}
	r.span.End()
	r.span = nil
}

var allStates = []engine.RouteState{
	engine.RouteStateIdle,
	engine.RouteStateConstruction,
	engine.RouteStateBuilt,
	engine.RouteStateDeteriorated,
	engine.RouteStateDestruction,
	engine.RouteStateSuspended,
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	counts := make(map[engine.RouteState]int, len(allStates))
	for _, r := range m.routes {
		counts[r.state]++
	}
	for _, s := range allStates {
		m.metrics.SetRoutesInState(string(s), counts[s])
	}
}

var _ endpoint.Observer = (*Manager)(nil)
