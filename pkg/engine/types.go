package engine

import (
	"fmt"
	"strings"
)

// ResourceType identifies the variant of a resource descriptor.
type ResourceType uint8

const (
	ResourceMostSocket ResourceType = iota + 1
	ResourceMlbPort
	ResourceMlbSocket
	ResourceUsbPort
	ResourceUsbSocket
	ResourceRmckPort
	ResourceStreamPort
	ResourceStreamSocket
	ResourceSyncConnection
	ResourceDfiPhaseConnection
	ResourceCombiner
	ResourceSplitter
	ResourceAvpConnection
	ResourceQoSConnection
	ResourceDefaultCreatedPort
)

var resourceTypeNames = map[ResourceType]string{
	ResourceMostSocket:         "most_socket",
	ResourceMlbPort:            "mlb_port",
	ResourceMlbSocket:          "mlb_socket",
	ResourceUsbPort:            "usb_port",
	ResourceUsbSocket:          "usb_socket",
	ResourceRmckPort:           "rmck_port",
	ResourceStreamPort:         "stream_port",
	ResourceStreamSocket:       "stream_socket",
	ResourceSyncConnection:     "sync_connection",
	ResourceDfiPhaseConnection: "dfi_phase_connection",
	ResourceCombiner:           "combiner",
	ResourceSplitter:           "splitter",
	ResourceAvpConnection:      "avp_connection",
	ResourceQoSConnection:      "qos_connection",
	ResourceDefaultCreatedPort: "default_created_port",
}

// String returns the configuration name of the resource type.
func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("resource_type(%d)", uint8(t))
}

// ParseResourceType converts a configuration name into a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	for t, name := range resourceTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown resource type: %s", s)
}

// Direction is the data direction of a socket.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "out"
	}
	return "in"
}

// ParseDirection converts "in" or "out" into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in", "input":
		return DirectionInput, nil
	case "out", "output":
		return DirectionOutput, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s", s)
	}
}

// DataType is the kind of data a socket carries.
type DataType uint8

const (
	DataTypeSync DataType = iota
	DataTypeControl
	DataTypeAVPacketized
	DataTypeQoSIP
	DataTypeDiscFramePhase
	DataTypeIPCPacket
)

var dataTypeNames = map[DataType]string{
	DataTypeSync:           "sync",
	DataTypeControl:        "control",
	DataTypeAVPacketized:   "av_packetized",
	DataTypeQoSIP:          "qos_ip",
	DataTypeDiscFramePhase: "disc_frame_phase",
	DataTypeIPCPacket:      "ipc_packet",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("data_type(%d)", uint8(t))
}

// ParseDataType converts a configuration name into a DataType.
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type: %s", s)
}

// MuteMode controls muting of a synchronous connection.
type MuteMode uint8

const (
	MuteModeNoMuting MuteMode = iota
	MuteModeMuteSignal
)

// PortType is the kind of port a DefaultCreatedPort stands for.
type PortType uint8

const (
	PortTypeMlb    PortType = 0x0A
	PortTypeUsb    PortType = 0x12
	PortTypeStream PortType = 0x16
)

// MostPortHandle is the handle of the network port every MOST socket attaches to.
const MostPortHandle uint16 = 0x0D00

// Descriptor is a device resource in a job list. Implementations are used by pointer,
// and identity is pointer identity: two jobs listing the same descriptor share the
// device resource.
type Descriptor interface {
	// Kind returns the variant of the descriptor.
	Kind() ResourceType

	// References returns the descriptors this one attaches to. Each must appear
	// earlier in the same job list.
	References() []Descriptor
}

// MostSocket is a socket on the network port.
type MostSocket struct {
	Direction Direction
	DataType  DataType
	Bandwidth uint16
	// PortHandle defaults to MostPortHandle when zero.
	PortHandle uint16
}

func (*MostSocket) Kind() ResourceType        { return ResourceMostSocket }
func (*MostSocket) References() []Descriptor { return nil }

// MlbPort is a MediaLB port.
type MlbPort struct {
	Index       uint8
	ClockConfig uint16
}

func (*MlbPort) Kind() ResourceType        { return ResourceMlbPort }
func (*MlbPort) References() []Descriptor { return nil }

// MlbSocket is a socket on a MediaLB port.
type MlbSocket struct {
	Port           Descriptor
	Direction      Direction
	DataType       DataType
	Bandwidth      uint16
	ChannelAddress uint16
}

func (*MlbSocket) Kind() ResourceType          { return ResourceMlbSocket }
func (s *MlbSocket) References() []Descriptor { return nonNil(s.Port) }

// UsbPort is a USB port.
type UsbPort struct {
	Index                 uint8
	PhysicalLayer         uint8
	DeviceInterfaces      uint16
	StreamingInEndpoints  uint8
	StreamingOutEndpoints uint8
}

func (*UsbPort) Kind() ResourceType        { return ResourceUsbPort }
func (*UsbPort) References() []Descriptor { return nil }

// UsbSocket is a socket on a USB endpoint.
type UsbSocket struct {
	Port              Descriptor
	Direction         Direction
	DataType          DataType
	EndpointAddress   uint8
	FramesPerTransfer uint16
}

func (*UsbSocket) Kind() ResourceType          { return ResourceUsbSocket }
func (s *UsbSocket) References() []Descriptor { return nonNil(s.Port) }

// RmckPort is a reference clock output port.
type RmckPort struct {
	Index       uint8
	ClockSource uint16
	Divisor     uint16
}

func (*RmckPort) Kind() ResourceType        { return ResourceRmckPort }
func (*RmckPort) References() []Descriptor { return nil }

// StreamPort is a streaming (I2S/TDM) port.
type StreamPort struct {
	Index         uint8
	ClockConfig   uint16
	DataAlignment uint8
}

func (*StreamPort) Kind() ResourceType        { return ResourceStreamPort }
func (*StreamPort) References() []Descriptor { return nil }

// StreamSocket is a socket on a streaming port pin.
type StreamSocket struct {
	Port      Descriptor
	Direction Direction
	DataType  DataType
	Bandwidth uint16
	Pin       uint8
}

func (*StreamSocket) Kind() ResourceType          { return ResourceStreamSocket }
func (s *StreamSocket) References() []Descriptor { return nonNil(s.Port) }

// SyncConnection links two synchronous sockets.
type SyncConnection struct {
	In       Descriptor
	Out      Descriptor
	MuteMode MuteMode
	Offset   uint16
}

func (*SyncConnection) Kind() ResourceType          { return ResourceSyncConnection }
func (c *SyncConnection) References() []Descriptor { return nonNil(c.In, c.Out) }

// DfiPhaseConnection links two disc-frame-phase sockets.
type DfiPhaseConnection struct {
	In  Descriptor
	Out Descriptor
}

func (*DfiPhaseConnection) Kind() ResourceType          { return ResourceDfiPhaseConnection }
func (c *DfiPhaseConnection) References() []Descriptor { return nonNil(c.In, c.Out) }

// AvpConnection links two A/V packetized sockets.
type AvpConnection struct {
	In             Descriptor
	Out            Descriptor
	IsocPacketSize uint16
}

func (*AvpConnection) Kind() ResourceType          { return ResourceAvpConnection }
func (c *AvpConnection) References() []Descriptor { return nonNil(c.In, c.Out) }

// QoSConnection links two QoS IP sockets.
type QoSConnection struct {
	In  Descriptor
	Out Descriptor
}

func (*QoSConnection) Kind() ResourceType          { return ResourceQoSConnection }
func (c *QoSConnection) References() []Descriptor { return nonNil(c.In, c.Out) }

// Combiner merges several port sockets into one network socket.
type Combiner struct {
	PortSocket    Descriptor
	PortHandle    uint16
	BytesPerFrame uint16
}

func (*Combiner) Kind() ResourceType          { return ResourceCombiner }
func (c *Combiner) References() []Descriptor { return nonNil(c.PortSocket) }

// Splitter splits one network socket into several port sockets.
type Splitter struct {
	SocketIn      Descriptor
	PortHandle    uint16
	BytesPerFrame uint16
}

func (*Splitter) Kind() ResourceType          { return ResourceSplitter }
func (s *Splitter) References() []Descriptor { return nonNil(s.SocketIn) }

// DefaultCreatedPort is a port the device opens by itself at startup.
// It resolves to a fixed handle without any device request.
type DefaultCreatedPort struct {
	PortType PortType
	Index    uint8
}

func (*DefaultCreatedPort) Kind() ResourceType        { return ResourceDefaultCreatedPort }
func (*DefaultCreatedPort) References() []Descriptor { return nil }

// Handle returns the well-known handle of the port.
func (p *DefaultCreatedPort) Handle() uint16 {
	return uint16(p.PortType)<<8 | uint16(p.Index)
}

func nonNil(ds ...Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// JobList is the ordered set of resources built as one unit.
// The engine keys jobs by the identity of the *JobList.
type JobList struct {
	// Name identifies the list in logs and diagnostics.
	Name string

	// Resources are created in order and destroyed in reverse order.
	Resources []Descriptor
}

// NetworkBandwidth is the network bandwidth the list allocates: the sum over
// its MOST sockets.
func (l *JobList) NetworkBandwidth() int {
	total := 0
	for _, d := range l.Resources {
		if s, ok := d.(*MostSocket); ok {
			total += int(s.Bandwidth)
		}
	}
	return total
}

// Validate checks that the list is non-empty and that every reference
// points to a descriptor placed earlier in the list.
func (l *JobList) Validate() error {
	if len(l.Resources) == 0 {
		return fmt.Errorf("job list %q has no resources", l.Name)
	}
	seen := make(map[Descriptor]int, len(l.Resources))
	for i, d := range l.Resources {
		if d == nil {
			return fmt.Errorf("job list %q: resource %d is nil", l.Name, i)
		}
		for _, ref := range d.References() {
			if _, ok := seen[ref]; !ok {
				return fmt.Errorf("job list %q: %s at position %d references a %s that does not precede it",
					l.Name, d.Kind(), i, ref.Kind())
			}
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("job list %q: resource %d listed twice", l.Name, i)
		}
		seen[d] = i
	}
	return nil
}

// Signature identifies a remote device.
type Signature struct {
	NodeAddress  uint16 `json:"node_address"`
	GroupAddress uint16 `json:"group_address,omitempty"`
	MAC          string `json:"mac,omitempty"`
}

// ScriptMessage is one control message of a node configuration script.
type ScriptMessage struct {
	FBlockID   uint8
	InstanceID uint8
	FunctionID uint16
	OpType     uint8
	Payload    []byte

	// ExpectFunctionID, when non-zero, is the function the device must answer with.
	ExpectFunctionID uint16

	// PauseMs delays the next message after this one completes.
	PauseMs uint16
}

// Node is a remote device on the network.
type Node struct {
	// Name identifies the node in configuration and logs.
	Name string

	// Signature identifies the device.
	Signature Signature

	// Script is sent to the device when it becomes available, before any route uses it.
	Script []ScriptMessage
}

// Address returns the node address of the device.
func (n *Node) Address() uint16 {
	return n.Signature.NodeAddress
}

// JobReport is delivered by a job engine when a construct or teardown call completes,
// and when the device invalidates a job.
type JobReport struct {
	// Node is the address of the device that executed the job.
	Node uint16

	// Label is the connection label of the job. Zero when the job builds no network socket.
	Label uint16

	// Outcome is what happened.
	Outcome JobOutcome

	// Err carries the classified error for JobOutcomeFailed.
	Err error

	// UserArg is the argument passed to Construct or Teardown.
	UserArg any
}

// ReportFunc receives job reports.
type ReportFunc func(JobReport)

// ResourceEvent describes one resource created or destroyed on a device.
type ResourceEvent struct {
	Node    uint16
	Type    ResourceType
	Handle  uint16
	Info    ResourceInfo
	Job     string
	UserArg any
	Err     error
}

// ResourceObserver receives resource diagnostics.
type ResourceObserver func(ResourceEvent)
