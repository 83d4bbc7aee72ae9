package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openmost/mostd/pkg/telemetry"
)

// Document is a complete daemon configuration as read from YAML or CUE.
type Document struct {
	// Engine configures the resource pool and the job engines.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Routing configures the route manager.
	Routing RoutingConfig `json:"routing" yaml:"routing"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`

	// Store configures the audit store. An empty path disables it.
	Store StoreConfig `json:"store" yaml:"store"`

	// Policy configures route admission.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// ActivationFile lists the routes that should be active. When set it
	// overrides the active flags of the routes and is watched for changes.
	ActivationFile string `json:"activation_file,omitempty" yaml:"activation_file,omitempty"`

	// Network describes the devices, endpoints and routes.
	Network NetworkConfig `json:"network" yaml:"network" validate:"required"`

	// dir is the directory script files are resolved against.
	dir string
}

// EngineConfig sizes the resource pool and tunes step retries.
type EngineConfig struct {
	JobPoolSize    int      `json:"job_pool_size" yaml:"job_pool_size" validate:"gte=0"`
	HandlePoolSize int      `json:"handle_pool_size" yaml:"handle_pool_size" validate:"gte=0"`
	StepRetryLimit *int     `json:"step_retry_limit,omitempty" yaml:"step_retry_limit,omitempty" validate:"omitempty,gte=0"`
	StepRetryDelay Duration `json:"step_retry_delay" yaml:"step_retry_delay"`
}

// RoutingConfig tunes the route manager.
type RoutingConfig struct {
	RecheckPeriod      Duration `json:"recheck_period" yaml:"recheck_period"`
	MaxEndpointRetries int      `json:"max_endpoint_retries" yaml:"max_endpoint_retries" validate:"gte=0"`
}

// StoreConfig configures the SQLite audit store.
type StoreConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PolicyConfig configures route admission.
type PolicyConfig struct {
	// Enabled turns admission checks on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists policy files or directories. Without paths the built-in
	// bandwidth policy applies.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// MaxBandwidth is the network bandwidth the built-in policy hands out.
	MaxBandwidth int `json:"max_bandwidth,omitempty" yaml:"max_bandwidth,omitempty" validate:"gte=0"`

	// Mode is advisory (log only) or enforcing.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// NetworkConfig describes the devices and the routes between them.
type NetworkConfig struct {
	Nodes     []NodeConfig     `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints" validate:"dive"`
	Routes    []RouteConfig    `json:"routes" yaml:"routes" validate:"dive"`
}

// NodeConfig describes one device and its resource catalogue.
type NodeConfig struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	Address      uint16 `json:"address" yaml:"address" validate:"required"`
	GroupAddress uint16 `json:"group_address,omitempty" yaml:"group_address,omitempty"`
	MAC          string `json:"mac,omitempty" yaml:"mac,omitempty" validate:"omitempty,mac"`

	// Script configures the device before routes use it.
	Script *ScriptConfig `json:"script,omitempty" yaml:"script,omitempty"`

	// Resources are the descriptors endpoints on this node are built from.
	// Endpoints naming the same resource id share it.
	Resources []ResourceConfig `json:"resources" yaml:"resources" validate:"dive"`
}

// ScriptConfig holds a Starlark node script, inline or in a file relative to
// the configuration document.
type ScriptConfig struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty" validate:"required_without=File"`
	File   string `json:"file,omitempty" yaml:"file,omitempty" validate:"required_without=Source"`
}

// ResourceConfig describes one resource. Which fields apply depends on Type;
// Port, In, Out and Socket refer to other resource ids of the same node.
type ResourceConfig struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Type string `json:"type" yaml:"type" validate:"required,oneof=most_socket mlb_port mlb_socket usb_port usb_socket rmck_port stream_port stream_socket sync_connection dfi_phase_connection combiner splitter avp_connection qos_connection default_created_port"`

	Direction string `json:"direction,omitempty" yaml:"direction,omitempty" validate:"omitempty,oneof=in out input output"`
	DataType  string `json:"data_type,omitempty" yaml:"data_type,omitempty" validate:"omitempty,oneof=sync control av_packetized qos_ip disc_frame_phase ipc_packet"`
	Bandwidth uint16 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`

	Port   string `json:"port,omitempty" yaml:"port,omitempty"`
	In     string `json:"in,omitempty" yaml:"in,omitempty"`
	Out    string `json:"out,omitempty" yaml:"out,omitempty"`
	Socket string `json:"socket,omitempty" yaml:"socket,omitempty"`

	Index             uint8  `json:"index,omitempty" yaml:"index,omitempty"`
	ClockConfig       uint16 `json:"clock_config,omitempty" yaml:"clock_config,omitempty"`
	ClockSource       uint16 `json:"clock_source,omitempty" yaml:"clock_source,omitempty"`
	Divisor           uint16 `json:"divisor,omitempty" yaml:"divisor,omitempty"`
	DataAlignment     uint8  `json:"data_alignment,omitempty" yaml:"data_alignment,omitempty"`
	ChannelAddress    uint16 `json:"channel_address,omitempty" yaml:"channel_address,omitempty"`
	EndpointAddress   uint8  `json:"endpoint_address,omitempty" yaml:"endpoint_address,omitempty"`
	FramesPerTransfer uint16 `json:"frames_per_transfer,omitempty" yaml:"frames_per_transfer,omitempty"`
	Pin               uint8  `json:"pin,omitempty" yaml:"pin,omitempty"`
	PhysicalLayer     uint8  `json:"physical_layer,omitempty" yaml:"physical_layer,omitempty"`
	DeviceInterfaces  uint16 `json:"device_interfaces,omitempty" yaml:"device_interfaces,omitempty"`
	StreamingIn       uint8  `json:"streaming_in,omitempty" yaml:"streaming_in,omitempty"`
	StreamingOut      uint8  `json:"streaming_out,omitempty" yaml:"streaming_out,omitempty"`
	PortType          string `json:"port_type,omitempty" yaml:"port_type,omitempty" validate:"omitempty,oneof=mlb usb stream"`
	PortHandle        uint16 `json:"port_handle,omitempty" yaml:"port_handle,omitempty"`
	BytesPerFrame     uint16 `json:"bytes_per_frame,omitempty" yaml:"bytes_per_frame,omitempty"`
	IsocPacketSize    uint16 `json:"isoc_packet_size,omitempty" yaml:"isoc_packet_size,omitempty"`
	MuteMode          string `json:"mute_mode,omitempty" yaml:"mute_mode,omitempty" validate:"omitempty,oneof=no_muting mute_signal"`
	Offset            uint16 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// EndpointConfig is one end of a route: an ordered list of node resources.
type EndpointConfig struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Kind      string   `json:"kind" yaml:"kind" validate:"required,oneof=source sink"`
	Node      string   `json:"node" yaml:"node" validate:"required"`
	Resources []string `json:"resources" yaml:"resources" validate:"required,min=1"`
}

// RouteConfig connects a source endpoint to a sink endpoint.
type RouteConfig struct {
	ID     uint16 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name" validate:"required"`
	Source string `json:"source" yaml:"source" validate:"required"`
	Sink   string `json:"sink" yaml:"sink" validate:"required"`

	// Active defaults to true.
	Active *bool `json:"active,omitempty" yaml:"active,omitempty"`
}

// IsActive reports the configured activation of the route.
func (r RouteConfig) IsActive() bool {
	return r.Active == nil || *r.Active
}

// ValidationError is one problem found in a document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Path locates the offending value (e.g. "network.routes[2].sink").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Path)
		} else {
			loc = e.File + ": " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// Duration is a time.Duration written as a Go duration string ("50ms").
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
