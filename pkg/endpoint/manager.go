package endpoint

import (
	"errors"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/jobs"
	"github.com/openmost/mostd/pkg/telemetry"
)

// Manager drives endpoints through the job engines of their nodes.
// It is not safe for concurrent use; every call happens on the scheduler goroutine.
type Manager struct {
	jobs      *jobs.Registry
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	endpoints []*Endpoint
	known     map[*Endpoint]bool
}

// NewManager creates a manager on top of the job engine registry.
// tel is optional.
func NewManager(registry *jobs.Registry, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		jobs:    registry,
		logger:  tel.ComponentLogger("endpoint"),
		metrics: tel.MetricsSink(),
		known:   make(map[*Endpoint]bool),
	}
}

// Register makes an endpoint known to MarkNodeInvalid and Reset.
// Registering twice is harmless.
func (m *Manager) Register(ep *Endpoint) {
	if m.known[ep] {
		return
	}
	m.known[ep] = true
	m.endpoints = append(m.endpoints, ep)
}

// Endpoints returns the registered endpoints in registration order.
func (m *Manager) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), m.endpoints...)
}

// StartBuild builds the job of an idle endpoint. The endpoint is Processing
// until the job engine reports, then Built or back to Idle. A sink passes its
// label to the engine so its network socket joins the source connection.
//
// A synchronous error leaves the endpoint Idle and notifies nobody.
func (m *Manager) StartBuild(ep *Endpoint) error {
	if ep.state != engine.EndpointStateIdle {
		return engine.NewRejectedError("endpoint not idle", nil).
			WithCode(engine.ErrCodeInvalidState).
			WithNode(ep.Address()).
			WithOperation("build").
			WithDetail("state", string(ep.state))
	}
	m.Register(ep)

	requested := uint16(0)
	if ep.kind == Sink {
		requested = ep.label
	}

	ep.gen++
	gen := ep.gen
	ep.state = engine.EndpointStateProcessing
	err := m.jobs.Engine(ep.Address()).Construct(ep.list, requested, ep, func(r engine.JobReport) {
		m.onBuildReport(ep, gen, r)
	})
	if err != nil {
		ep.state = engine.EndpointStateIdle
		return err
	}
	m.logger.WithEndpoint(ep.name).WithNode(ep.Address()).Debug("build started")
	return nil
}

// StartTeardown releases the job of an endpoint. It is valid from Built and
// from Idle, where it clears entries a failed build may have left behind.
func (m *Manager) StartTeardown(ep *Endpoint) error {
	if ep.state == engine.EndpointStateProcessing {
		return engine.NewRejectedError("endpoint busy", nil).
			WithCode(engine.ErrCodeInvalidState).
			WithNode(ep.Address()).
			WithOperation("teardown")
	}
	m.Register(ep)

	ep.gen++
	gen := ep.gen
	prev := ep.state
	ep.state = engine.EndpointStateProcessing
	err := m.jobs.Engine(ep.Address()).Teardown(ep.list, ep, func(r engine.JobReport) {
		m.onTeardownReport(ep, gen, r)
	})
	if err != nil {
		ep.state = prev
		return err
	}
	m.logger.WithEndpoint(ep.name).WithNode(ep.Address()).Debug("teardown started")
	return nil
}

func (m *Manager) onBuildReport(ep *Endpoint, gen uint64, r engine.JobReport) {
	if r.Outcome == engine.JobOutcomeInvalidated {
		m.onInvalidated(ep, r)
		return
	}
	if ep.gen != gen || ep.state != engine.EndpointStateProcessing {
		return
	}

	switch r.Outcome {
	case engine.JobOutcomeBuilt:
		ep.state = engine.EndpointStateBuilt
		ep.label = r.Label
		ep.retries = 0
		ep.lastErr = nil
		m.logger.WithEndpoint(ep.name).WithNode(ep.Address()).Debugf("built, label 0x%04X", r.Label)
		m.notify(Event{Endpoint: ep, State: engine.EndpointStateBuilt})
	default:
		m.failed(ep, r.Err)
	}
}

func (m *Manager) onTeardownReport(ep *Endpoint, gen uint64, r engine.JobReport) {
	if ep.gen != gen || ep.state != engine.EndpointStateProcessing {
		return
	}
	ep.state = engine.EndpointStateIdle
	ep.label = 0
	ep.lastErr = r.Err
	if r.Err != nil {
		m.logger.WithEndpoint(ep.name).WithError(r.Err).Warn("teardown failed")
	} else {
		m.logger.WithEndpoint(ep.name).WithNode(ep.Address()).Debug("torn down")
	}
	m.notify(Event{Endpoint: ep, State: engine.EndpointStateIdle, Err: r.Err})
}

// onInvalidated handles a built endpoint whose resources the device dropped.
func (m *Manager) onInvalidated(ep *Endpoint, r engine.JobReport) {
	if ep.state != engine.EndpointStateBuilt {
		return
	}
	m.logger.WithEndpoint(ep.name).WithNode(ep.Address()).Warn("resources invalidated by device")
	m.failed(ep, r.Err)
}

func (m *Manager) failed(ep *Endpoint, err error) {
	if err == nil {
		err = engine.NewUncriticalError("endpoint lost", nil).WithNode(ep.Address())
	}
	ep.state = engine.EndpointStateIdle
	ep.lastErr = err
	if engine.IsUncritical(err) {
		ep.retries++
	}
	m.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
	m.logger.WithEndpoint(ep.name).WithError(err).Infof("back to idle after %d retries", ep.retries)
	m.notify(Event{Endpoint: ep, State: engine.EndpointStateIdle, Err: err})
}

// Label returns the connection label of an endpoint.
func (m *Manager) Label(ep *Endpoint) uint16 { return ep.label }

// SetLabel sets the label a sink passes to its next build.
func (m *Manager) SetLabel(ep *Endpoint, label uint16) { ep.label = label }

// AddObserver subscribes obs to the events of ep.
func (m *Manager) AddObserver(ep *Endpoint, obs Observer) {
	for _, o := range ep.observers {
		if o == obs {
			return
		}
	}
	ep.observers = append(ep.observers, obs)
}

// RemoveObserver unsubscribes obs from the events of ep.
func (m *Manager) RemoveObserver(ep *Endpoint, obs Observer) {
	for i, o := range ep.observers {
		if o == obs {
			ep.observers = append(ep.observers[:i], ep.observers[i+1:]...)
			return
		}
	}
}

// MarkNodeInvalid forgets every job on a node and forces its endpoints back
// to Idle. Observers of endpoints that were not idle are notified.
func (m *Manager) MarkNodeInvalid(address uint16) {
	m.jobs.ForgetDevice(address)

	err := engine.NewUncriticalError("node not available", nil).
		WithCode(engine.ErrCodeInvalidated).
		WithNode(address)
	for _, ep := range m.endpoints {
		if ep.Address() != address || ep.state == engine.EndpointStateIdle {
			continue
		}
		ep.gen++
		ep.state = engine.EndpointStateIdle
		ep.label = 0
		ep.lastErr = err
		m.notify(Event{Endpoint: ep, State: engine.EndpointStateIdle, Err: err})
	}
}

// Reset returns every endpoint to Idle without notifications and drops every
// job of every device. Used when the network goes down.
func (m *Manager) Reset() {
	m.jobs.Reset()
	for _, ep := range m.endpoints {
		ep.gen++
		ep.state = engine.EndpointStateIdle
		ep.label = 0
		ep.retries = 0
		ep.lastErr = nil
	}
}

func (m *Manager) notify(ev Event) {
	for _, obs := range append([]Observer(nil), ev.Endpoint.observers...) {
		obs.EndpointChanged(ev)
	}
}

// IsNodeLoss reports whether an endpoint error means its node is gone.
func IsNodeLoss(err error) bool {
	return errors.Is(err, engine.ErrSyncFailed)
}
