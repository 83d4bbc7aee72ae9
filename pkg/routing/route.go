package routing

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
)

// Route is one configured signal path from a source to a sink endpoint.
type Route struct {
	ID     uint16
	Name   string
	Source *endpoint.Endpoint
	Sink   *endpoint.Endpoint

	active bool
	state  engine.RouteState
	result engine.RouteResult

	// waitTick defers the next construction attempt to the recheck timer.
	waitTick bool
	// built is set while a Built report is not yet followed by Destroyed.
	built bool
	// notified latches the final Suspended or ProcessStop report.
	notified bool
	rejected bool
	span     trace.Span
}

// NewRoute creates an idle route.
func NewRoute(id uint16, name string, source, sink *endpoint.Endpoint, active bool) *Route {
	return &Route{
		ID:     id,
		Name:   name,
		Source: source,
		Sink:   sink,
		active: active,
		state:  engine.RouteStateIdle,
		result: engine.RouteResultNoError,
	}
}

// Active reports whether the route should be built.
func (r *Route) Active() bool { return r.active }

// State returns the lifecycle state.
func (r *Route) State() engine.RouteState { return r.state }

// Result returns the error level of the last processing step.
func (r *Route) Result() engine.RouteResult { return r.result }

func (r *Route) uses(ep *endpoint.Endpoint) bool {
	return r.Source == ep || r.Sink == ep
}

func (r *Route) String() string {
	return fmt.Sprintf("route %d (%s)", r.ID, r.Name)
}

// Status is a snapshot of a route for display and persistence.
type Status struct {
	ID     uint16             `json:"id" yaml:"id"`
	Name   string             `json:"name" yaml:"name"`
	Active bool               `json:"active" yaml:"active"`
	State  engine.RouteState  `json:"state" yaml:"state"`
	Result engine.RouteResult `json:"result" yaml:"result"`
	Label  uint16             `json:"label,omitempty" yaml:"label,omitempty"`
	Source string             `json:"source" yaml:"source"`
	Sink   string             `json:"sink" yaml:"sink"`
}
