package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/routing"
	"github.com/openmost/mostd/pkg/telemetry"
)

// Mode selects what a denied admission does.
type Mode string

const (
	// ModeAdvisory logs blocking violations and admits the route anyway.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing keeps routes with blocking violations idle.
	ModeEnforcing Mode = "enforcing"
)

// RouteLister gives the admitter the routes that share the network.
type RouteLister interface {
	Routes() []*routing.Route
}

// AdmitterConfig configures an Admitter.
type AdmitterConfig struct {
	// MaxBandwidth is the network bandwidth routes may allocate, zero for no limit.
	MaxBandwidth int

	// Mode defaults to enforcing.
	Mode Mode

	// Timeout bounds one evaluation. Zero means 100ms.
	Timeout time.Duration
}

// Admitter decides route admission with the policy engine. Its Admit method
// is a routing.AdmitFunc.
type Admitter struct {
	engine  *Engine
	routes  RouteLister
	config  AdmitterConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewAdmitter creates an admitter evaluating routes against e.
func NewAdmitter(e *Engine, routes RouteLister, cfg AdmitterConfig, tel *telemetry.Telemetry) *Admitter {
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforcing
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &Admitter{
		engine:  e,
		routes:  routes,
		config:  cfg,
		logger:  tel.ComponentLogger("admission"),
		metrics: tel.MetricsSink(),
	}
}

// Admit evaluates the policies for r. It runs on the scheduler goroutine.
func (a *Admitter) Admit(r *routing.Route) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	input := a.Input(r)
	result, err := a.engine.Evaluate(ctx, input)
	if err != nil {
		a.metrics.RecordAdmission("denied")
		return engine.NewRejectedError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithOperation("admit")
	}

	log := a.logger.WithRoute(r.ID, r.Name)
	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			log.WithField("policy", v.Policy).WithField("severity", string(v.Severity)).Info(v.Message)
		}
	}

	blocking := result.Blocking()
	if len(blocking) == 0 {
		a.metrics.RecordAdmission("admitted")
		return nil
	}

	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}

	if a.config.Mode == ModeAdvisory {
		a.metrics.RecordAdmission("advisory")
		log.WithField("violations", strings.Join(messages, "; ")).Warn("route admitted despite policy violations")
		return nil
	}

	a.metrics.RecordAdmission("denied")
	return engine.NewRejectedError("route denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation("admit").
		WithDetail("violations", messages)
}

// Input builds the policy input for r from the current network state.
func (a *Admitter) Input(r *routing.Route) *Input {
	in := &Input{
		Route: RouteInput{
			ID:     r.ID,
			Name:   r.Name,
			Source: endpointInput(r.Source),
			Sink:   endpointInput(r.Sink),
		},
		Network: NetworkInput{MaxBandwidth: a.config.MaxBandwidth},
		Context: Context{Timestamp: time.Now(), Operation: "admit"},
	}
	in.Route.Bandwidth = in.Route.Source.Bandwidth

	if a.routes == nil {
		return in
	}
	// A source shared with r is counted as r's own allocation.
	counted := map[*endpoint.Endpoint]bool{r.Source: true}
	for _, other := range a.routes.Routes() {
		if other == r || !other.State().IsActive() {
			continue
		}
		in.Network.ActiveRoutes++
		if !counted[other.Source] {
			counted[other.Source] = true
			in.Network.BandwidthInUse += other.Source.List().NetworkBandwidth()
		}
	}
	return in
}

func endpointInput(ep *endpoint.Endpoint) EndpointInput {
	in := EndpointInput{
		Name:      ep.Name(),
		Node:      ep.Node().Name,
		Address:   ep.Address(),
		Bandwidth: ep.List().NetworkBandwidth(),
	}
	for _, d := range ep.List().Resources {
		ri := ResourceInput{Type: d.Kind().String()}
		switch s := d.(type) {
		case *engine.MostSocket:
			ri.Direction, ri.DataType, ri.Bandwidth = s.Direction.String(), s.DataType.String(), int(s.Bandwidth)
		case *engine.MlbSocket:
			ri.Direction, ri.DataType, ri.Bandwidth = s.Direction.String(), s.DataType.String(), int(s.Bandwidth)
		case *engine.StreamSocket:
			ri.Direction, ri.DataType, ri.Bandwidth = s.Direction.String(), s.DataType.String(), int(s.Bandwidth)
		case *engine.UsbSocket:
			ri.Direction, ri.DataType = s.Direction.String(), s.DataType.String()
		}
		in.Resources = append(in.Resources, ri)
	}
	return in
}
