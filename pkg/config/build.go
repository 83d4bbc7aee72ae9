package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmost/mostd/pkg/endpoint"
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/jobs"
	"github.com/openmost/mostd/pkg/nodescript"
	"github.com/openmost/mostd/pkg/routing"
)

// Network is the runtime form of a document's network section.
type Network struct {
	Nodes     []*engine.Node
	Endpoints []*endpoint.Endpoint
	Routes    []*routing.Route
}

// Node returns a node by name.
func (n *Network) Node(name string) (*engine.Node, bool) {
	for _, node := range n.Nodes {
		if node.Name == name {
			return node, true
		}
	}
	return nil, false
}

// Build turns a validated document into nodes, endpoints and routes. Node
// scripts are compiled with compiler. Endpoints listing the same resource id
// of a node share one descriptor, so the resource is created once.
func Build(ctx context.Context, doc *Document, compiler *nodescript.Compiler) (*Network, error) {
	if compiler == nil {
		compiler = nodescript.NewCompiler(0)
	}
	net := &Network{}
	nodes := make(map[string]*engine.Node, len(doc.Network.Nodes))
	catalogues := make(map[string]*catalogue, len(doc.Network.Nodes))

	for _, nc := range doc.Network.Nodes {
		node := &engine.Node{
			Name: nc.Name,
			Signature: engine.Signature{
				NodeAddress:  nc.Address,
				GroupAddress: nc.GroupAddress,
				MAC:          nc.MAC,
			},
		}
		if nc.Script != nil {
			source, err := doc.scriptSource(nc.Script)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", nc.Name, err)
			}
			if node.Script, err = compiler.Compile(ctx, node, source); err != nil {
				return nil, err
			}
		}
		nodes[nc.Name] = node
		catalogues[nc.Name] = newCatalogue(nc.Resources)
		net.Nodes = append(net.Nodes, node)
	}

	endpoints := make(map[string]*endpoint.Endpoint, len(doc.Network.Endpoints))
	for _, ec := range doc.Network.Endpoints {
		node, ok := nodes[ec.Node]
		if !ok {
			return nil, fmt.Errorf("endpoint %s: unknown node %q", ec.Name, ec.Node)
		}
		kind, err := endpoint.ParseKind(ec.Kind)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ec.Name, err)
		}

		list := &engine.JobList{Name: ec.Name}
		for _, id := range ec.Resources {
			d, err := catalogues[ec.Node].descriptor(id)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ec.Name, err)
			}
			list.Resources = append(list.Resources, d)
		}
		if err := list.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ec.Name, err)
		}

		ep := endpoint.New(ec.Name, kind, node, list)
		endpoints[ec.Name] = ep
		net.Endpoints = append(net.Endpoints, ep)
	}

	for _, rc := range doc.Network.Routes {
		src, ok := endpoints[rc.Source]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown endpoint %q", rc.Name, rc.Source)
		}
		sink, ok := endpoints[rc.Sink]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown endpoint %q", rc.Name, rc.Sink)
		}
		net.Routes = append(net.Routes, routing.NewRoute(rc.ID, rc.Name, src, sink, rc.IsActive()))
	}
	return net, nil
}

// Resolve returns path relative to the directory of the document file.
// Absolute paths and documents not read from a file are left alone.
func (doc *Document) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || doc.dir == "" {
		return path
	}
	return filepath.Join(doc.dir, path)
}

func (doc *Document) scriptSource(sc *ScriptConfig) (string, error) {
	if sc.Source != "" {
		return sc.Source, nil
	}
	data, err := os.ReadFile(doc.Resolve(sc.File))
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

// catalogue builds the descriptors of one node on demand.
type catalogue struct {
	configs  map[string]ResourceConfig
	built    map[string]engine.Descriptor
	visiting map[string]bool
}

func newCatalogue(resources []ResourceConfig) *catalogue {
	c := &catalogue{
		configs:  make(map[string]ResourceConfig, len(resources)),
		built:    make(map[string]engine.Descriptor),
		visiting: make(map[string]bool),
	}
	for _, rc := range resources {
		c.configs[rc.ID] = rc
	}
	return c
}

func (c *catalogue) descriptor(id string) (engine.Descriptor, error) {
	if d, ok := c.built[id]; ok {
		return d, nil
	}
	rc, ok := c.configs[id]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", id)
	}
	if c.visiting[id] {
		return nil, fmt.Errorf("resource %q references itself", id)
	}
	c.visiting[id] = true
	defer delete(c.visiting, id)

	ref := func(refID string) (engine.Descriptor, error) {
		if refID == "" {
			return nil, fmt.Errorf("resource %q: missing reference", id)
		}
		return c.descriptor(refID)
	}

	var (
		dir engine.Direction
		dt  engine.DataType
		err error
	)
	if rc.Direction != "" {
		if dir, err = engine.ParseDirection(rc.Direction); err != nil {
			return nil, err
		}
	}
	if rc.DataType != "" {
		if dt, err = engine.ParseDataType(rc.DataType); err != nil {
			return nil, err
		}
	}

	var d engine.Descriptor
	switch rc.Type {
	case "most_socket":
		d = &engine.MostSocket{Direction: dir, DataType: dt, Bandwidth: rc.Bandwidth, PortHandle: rc.PortHandle}
	case "mlb_port":
		d = &engine.MlbPort{Index: rc.Index, ClockConfig: rc.ClockConfig}
	case "usb_port":
		d = &engine.UsbPort{
			Index:                 rc.Index,
			PhysicalLayer:         rc.PhysicalLayer,
			DeviceInterfaces:      rc.DeviceInterfaces,
			StreamingInEndpoints:  rc.StreamingIn,
			StreamingOutEndpoints: rc.StreamingOut,
		}
	case "rmck_port":
		d = &engine.RmckPort{Index: rc.Index, ClockSource: rc.ClockSource, Divisor: rc.Divisor}
	case "stream_port":
		d = &engine.StreamPort{Index: rc.Index, ClockConfig: rc.ClockConfig, DataAlignment: rc.DataAlignment}
	case "default_created_port":
		pt, err := parsePortType(rc.PortType)
		if err != nil {
			return nil, err
		}
		d = &engine.DefaultCreatedPort{PortType: pt, Index: rc.Index}
	case "mlb_socket", "usb_socket", "stream_socket":
		port, err := ref(rc.Port)
		if err != nil {
			return nil, err
		}
		switch rc.Type {
		case "mlb_socket":
			d = &engine.MlbSocket{Port: port, Direction: dir, DataType: dt, Bandwidth: rc.Bandwidth, ChannelAddress: rc.ChannelAddress}
		case "usb_socket":
			d = &engine.UsbSocket{Port: port, Direction: dir, DataType: dt, EndpointAddress: rc.EndpointAddress, FramesPerTransfer: rc.FramesPerTransfer}
		default:
			d = &engine.StreamSocket{Port: port, Direction: dir, DataType: dt, Bandwidth: rc.Bandwidth, Pin: rc.Pin}
		}
	case "sync_connection", "dfi_phase_connection", "avp_connection", "qos_connection":
		in, err := ref(rc.In)
		if err != nil {
			return nil, err
		}
		out, err := ref(rc.Out)
		if err != nil {
			return nil, err
		}
		switch rc.Type {
		case "sync_connection":
			mute := engine.MuteModeNoMuting
			if rc.MuteMode == "mute_signal" {
				mute = engine.MuteModeMuteSignal
			}
			d = &engine.SyncConnection{In: in, Out: out, MuteMode: mute, Offset: rc.Offset}
		case "dfi_phase_connection":
			d = &engine.DfiPhaseConnection{In: in, Out: out}
		case "avp_connection":
			d = &engine.AvpConnection{In: in, Out: out, IsocPacketSize: rc.IsocPacketSize}
		default:
			d = &engine.QoSConnection{In: in, Out: out}
		}
	case "combiner", "splitter":
		sock, err := ref(rc.Socket)
		if err != nil {
			return nil, err
		}
		if rc.Type == "combiner" {
			d = &engine.Combiner{PortSocket: sock, PortHandle: rc.PortHandle, BytesPerFrame: rc.BytesPerFrame}
		} else {
			d = &engine.Splitter{SocketIn: sock, PortHandle: rc.PortHandle, BytesPerFrame: rc.BytesPerFrame}
		}
	default:
		return nil, fmt.Errorf("resource %q: unknown type %q", id, rc.Type)
	}

	c.built[id] = d
	return d, nil
}

func parsePortType(s string) (engine.PortType, error) {
	switch s {
	case "mlb":
		return engine.PortTypeMlb, nil
	case "usb":
		return engine.PortTypeUsb, nil
	case "stream":
		return engine.PortTypeStream, nil
	default:
		return 0, fmt.Errorf("unknown port type %q", s)
	}
}

// PoolSizes returns the configured pool sizes with defaults applied.
func (doc *Document) PoolSizes() (jobSlots, handleSlots int) {
	jobSlots, handleSlots = doc.Engine.JobPoolSize, doc.Engine.HandlePoolSize
	if jobSlots == 0 {
		jobSlots = 8
	}
	if handleSlots == 0 {
		handleSlots = 64
	}
	return jobSlots, handleSlots
}

// EngineSettings returns the job engine settings with defaults applied.
func (doc *Document) EngineSettings() jobs.Config {
	cfg := jobs.DefaultConfig()
	if doc.Engine.StepRetryLimit != nil {
		cfg.StepRetryLimit = *doc.Engine.StepRetryLimit
	}
	if d := doc.Engine.StepRetryDelay.Std(); d > 0 {
		cfg.StepRetryDelay = d
	}
	return cfg
}

// RoutingSettings returns the route manager settings with defaults applied.
func (doc *Document) RoutingSettings() routing.Config {
	cfg := routing.DefaultConfig()
	if p := doc.Routing.RecheckPeriod.Std(); p > 0 {
		cfg.RecheckPeriod = p
	}
	cfg.MaxEndpointRetries = doc.Routing.MaxEndpointRetries
	return cfg
}
