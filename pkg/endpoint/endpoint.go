// Package endpoint wraps a job list bound to one node into an endpoint with
// its own lifecycle: Idle, Processing and Built. Observers are told about
// every transition back to Idle and every completed build.
package endpoint

import (
	"fmt"

	"github.com/openmost/mostd/pkg/engine"
)

// Kind is the side of a route an endpoint sits on.
type Kind uint8

const (
	Source Kind = iota
	Sink
)

func (k Kind) String() string {
	if k == Sink {
		return "sink"
	}
	return "source"
}

// ParseKind converts "source" or "sink" into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "source":
		return Source, nil
	case "sink":
		return Sink, nil
	default:
		return 0, fmt.Errorf("invalid endpoint kind: %s", s)
	}
}

// Event is delivered to observers when an endpoint becomes Built or Idle.
type Event struct {
	Endpoint *Endpoint
	State    engine.EndpointState

	// Err is set when the endpoint went back to Idle because of a failure
	// or because the device dropped its resources.
	Err error
}

// Observer receives endpoint events on the scheduler goroutine.
type Observer interface {
	EndpointChanged(ev Event)
}

// Endpoint is one side of a route: a job list built on one node.
type Endpoint struct {
	name string
	kind Kind
	node *engine.Node
	list *engine.JobList

	state     engine.EndpointState
	label     uint16
	retries   int
	lastErr   error
	gen       uint64
	observers []Observer
}

// New creates an idle endpoint.
func New(name string, kind Kind, node *engine.Node, list *engine.JobList) *Endpoint {
	return &Endpoint{
		name:  name,
		kind:  kind,
		node:  node,
		list:  list,
		state: engine.EndpointStateIdle,
	}
}

// Name returns the configured name of the endpoint.
func (ep *Endpoint) Name() string { return ep.name }

// Kind returns whether the endpoint is a source or a sink.
func (ep *Endpoint) Kind() Kind { return ep.kind }

// Node returns the device the endpoint's resources are built on.
func (ep *Endpoint) Node() *engine.Node { return ep.node }

// List returns the job list built for the endpoint.
func (ep *Endpoint) List() *engine.JobList { return ep.list }

// State returns the lifecycle state of the endpoint.
func (ep *Endpoint) State() engine.EndpointState { return ep.state }

// Retries is the number of uncritical failures since the last successful build.
func (ep *Endpoint) Retries() int { return ep.retries }

// LastError is the error of the last failed operation, nil after a successful build.
func (ep *Endpoint) LastError() error { return ep.lastErr }

// Address returns the node address of the endpoint.
func (ep *Endpoint) Address() uint16 { return ep.node.Address() }

// String formats the endpoint as kind(name@address) for logs.
func (ep *Endpoint) String() string {
	return fmt.Sprintf("%s(%s@%s)", ep.kind, ep.name, engine.FormatAddress(ep.Address()))
}
