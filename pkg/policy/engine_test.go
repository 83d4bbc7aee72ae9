package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/routing"
)

var (
	headUnit  = &engine.Node{Name: "head-unit", Signature: engine.Signature{NodeAddress: 0x200}}
	amplifier = &engine.Node{Name: "amplifier", Signature: engine.Signature{NodeAddress: 0x210}}
)

func mostEndpoint(name string, kind endpoint.Kind, node *engine.Node, dir engine.Direction, dt engine.DataType, bw uint16) *endpoint.Endpoint {
	port := &engine.MlbPort{}
	most := &engine.MostSocket{Direction: dir, DataType: dt, Bandwidth: bw}
	mlb := &engine.MlbSocket{Port: port, Direction: 1 - dir, DataType: dt, Bandwidth: bw}
	conn := &engine.SyncConnection{In: mlb, Out: most}
	if dir == engine.DirectionInput {
		conn = &engine.SyncConnection{In: most, Out: mlb}
	}
	return endpoint.New(name, kind, node, &engine.JobList{
		Name:      name,
		Resources: []engine.Descriptor{port, most, mlb, conn},
	})
}

func newRoute(name string, srcType, sinkType engine.DataType, srcBW, sinkBW uint16) *routing.Route {
	src := mostEndpoint(name+"-src", endpoint.Source, headUnit, engine.DirectionOutput, srcType, srcBW)
	sink := mostEndpoint(name+"-sink", endpoint.Sink, amplifier, engine.DirectionInput, sinkType, sinkBW)
	return routing.NewRoute(1, name, src, sink, true)
}

type routeList []*routing.Route

func (l routeList) Routes() []*routing.Route { return l }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(context.Background(), nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := "loopback,network-bandwidth,socket-match"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected built-in policies %s, got %s", want, got)
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name         string
		route        *routing.Route
		maxBandwidth int
		mode         Mode
		wantErr      bool
	}{
		{
			name:  "matching sockets",
			route: newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 4),
		},
		{
			name:         "within bandwidth",
			route:        newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 4),
			maxBandwidth: 4,
		},
		{
			name:         "over bandwidth",
			route:        newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 4),
			maxBandwidth: 2,
			wantErr:      true,
		},
		{
			name:    "data type mismatch",
			route:   newRoute("main", engine.DataTypeSync, engine.DataTypeAVPacketized, 4, 4),
			wantErr: true,
		},
		{
			name:  "bandwidth mismatch only warns",
			route: newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 2),
		},
		{
			name:         "advisory mode admits",
			route:        newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 4),
			maxBandwidth: 2,
			mode:         ModeAdvisory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdmitter(newTestEngine(t), routeList{tt.route}, AdmitterConfig{
				MaxBandwidth: tt.maxBandwidth,
				Mode:         tt.mode,
			}, nil)

			err := a.Admit(tt.route)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Admit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !engine.IsRejected(err) {
				t.Errorf("Expected rejected error, got %v", err)
			}
			if code := engine.CodeOf(err); code != engine.ErrCodePolicyDenied {
				t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, code)
			}
		})
	}
}

func TestEvaluate_BandwidthInUse(t *testing.T) {
	eng := newTestEngine(t)
	a := NewAdmitter(eng, nil, AdmitterConfig{MaxBandwidth: 6}, nil)

	input := a.Input(newRoute("main", engine.DataTypeSync, engine.DataTypeSync, 4, 4))
	if input.Route.Bandwidth != 4 {
		t.Fatalf("Expected route bandwidth 4, got %d", input.Route.Bandwidth)
	}

	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("Expected route to be allowed, got %+v", result.Violations)
	}

	input.Network.BandwidthInUse = 4
	result, err = eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected route to be denied")
	}
	blocking := result.Blocking()
	if len(blocking) != 1 || blocking[0].Policy != "network-bandwidth" {
		t.Fatalf("Expected one network-bandwidth violation, got %+v", blocking)
	}
	if !strings.Contains(blocking[0].Message, "4 of 6 in use") {
		t.Errorf("Unexpected message: %s", blocking[0].Message)
	}
}

func TestEvaluate_Loopback(t *testing.T) {
	eng := newTestEngine(t)
	a := NewAdmitter(eng, nil, AdmitterConfig{}, nil)

	src := mostEndpoint("src", endpoint.Source, headUnit, engine.DirectionOutput, engine.DataTypeSync, 4)
	sink := mostEndpoint("sink", endpoint.Sink, headUnit, engine.DirectionInput, engine.DataTypeSync, 4)
	route := routing.NewRoute(3, "local", src, sink, true)

	result, err := eng.Evaluate(context.Background(), a.Input(route))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("Loopback routes are only reported")
	}
	if len(result.Violations) != 1 || result.Violations[0].Severity != SeverityInfo {
		t.Fatalf("Expected one info violation, got %+v", result.Violations)
	}
	if result.Violations[0].Message != "route local loops back on node head-unit" {
		t.Errorf("Unexpected message: %s", result.Violations[0].Message)
	}
}

func TestSetPolicies(t *testing.T) {
	eng := newTestEngine(t)
	a := NewAdmitter(eng, nil, AdmitterConfig{}, nil)
	front := newRoute("front", engine.DataTypeSync, engine.DataTypeSync, 4, 4)
	rear := newRoute("rear", engine.DataTypeSync, engine.DataTypeSync, 4, 4)

	err := eng.SetPolicies(context.Background(), []Policy{{
		Name:     "front-off",
		Rego:     denyFrontRoute,
		Severity: SeverityError,
		Enabled:  true,
	}})
	if err != nil {
		t.Fatalf("Failed to set policies: %v", err)
	}

	if err := a.Admit(front); err == nil {
		t.Error("Expected front route to be denied")
	}
	if err := a.Admit(rear); err != nil {
		t.Errorf("Expected rear route to be admitted: %v", err)
	}

	err = eng.SetPolicies(context.Background(), []Policy{
		{Name: "ok", Rego: "package ok\n", Enabled: true},
		{Name: "broken", Rego: "package broken\ndeny contains x if {", Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("ok"); err == nil {
		t.Error("No policy should be installed when one fails to compile")
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if err := a.Admit(front); err != nil {
		t.Errorf("Expected front route to be admitted after reload: %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	a := NewAdmitter(eng, nil, AdmitterConfig{}, nil)
	route := newRoute("main", engine.DataTypeSync, engine.DataTypeControl, 4, 4)

	if err := a.Admit(route); err == nil {
		t.Fatal("Expected mismatch to be denied")
	}

	if err := eng.DisablePolicy("socket-match"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := a.Admit(route); err != nil {
		t.Errorf("Expected admission with socket-match disabled: %v", err)
	}

	if err := eng.EnablePolicy("socket-match"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := a.Admit(route); err == nil {
		t.Error("Expected mismatch to be denied again")
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writePolicy(t, dir+"/front-off.rego", denyFrontRoute)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("front-off")
	if err != nil {
		t.Fatalf("Policy not installed: %v", err)
	}
	if p.Source == "" {
		t.Error("Expected policy source to be recorded")
	}
}
