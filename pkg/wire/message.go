package wire

import (
	"fmt"

	"github.com/openmost/mostd/pkg/engine"
)

// Op is the request operation.
type Op uint8

const (
	OpCreate  Op = 1
	OpDestroy Op = 2
	OpControl Op = 3
)

// IsValid reports whether the operation is known.
func (o Op) IsValid() bool {
	return o >= OpCreate && o <= OpControl
}

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDestroy:
		return "destroy"
	case OpControl:
		return "control"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// MaxHandlesPerDestroy is the largest number of handles one destroy request carries.
const MaxHandlesPerDestroy = 22

// Params are the creation parameters of a resource. Fields not used by a
// resource type stay zero. References hold the handles of the descriptors the
// resource attaches to, in the order returned by Descriptor.References.
type Params struct {
	Direction      uint8    `cbor:"1,keyasint,omitempty"`
	DataType       uint8    `cbor:"2,keyasint,omitempty"`
	Bandwidth      uint16   `cbor:"3,keyasint,omitempty"`
	PortHandle     uint16   `cbor:"4,keyasint,omitempty"`
	Index          uint8    `cbor:"5,keyasint,omitempty"`
	ClockConfig    uint16   `cbor:"6,keyasint,omitempty"`
	ChannelAddress uint16   `cbor:"7,keyasint,omitempty"`
	EndpointAddr   uint8    `cbor:"8,keyasint,omitempty"`
	Frames         uint16   `cbor:"9,keyasint,omitempty"`
	Pin            uint8    `cbor:"10,keyasint,omitempty"`
	MuteMode       uint8    `cbor:"11,keyasint,omitempty"`
	Offset         uint16   `cbor:"12,keyasint,omitempty"`
	PacketSize     uint16   `cbor:"13,keyasint,omitempty"`
	BytesPerFrame  uint16   `cbor:"14,keyasint,omitempty"`
	Label          uint16   `cbor:"15,keyasint,omitempty"`
	Alignment      uint8    `cbor:"16,keyasint,omitempty"`
	References     []uint16 `cbor:"17,keyasint,omitempty"`
}

// Control is a raw function-block message used by node scripts.
type Control struct {
	FBlockID   uint8  `cbor:"1,keyasint"`
	InstanceID uint8  `cbor:"2,keyasint"`
	FunctionID uint16 `cbor:"3,keyasint"`
	OpType     uint8  `cbor:"4,keyasint"`
	Payload    []byte `cbor:"5,keyasint,omitempty"`
}

// Request is a message from the job engine to a device.
type Request struct {
	Op      Op                  `cbor:"1,keyasint"`
	Type    engine.ResourceType `cbor:"2,keyasint,omitempty"`
	Params  *Params             `cbor:"3,keyasint,omitempty"`
	Handles []uint16            `cbor:"4,keyasint,omitempty"`
	Control *Control            `cbor:"5,keyasint,omitempty"`
}

// Validate checks that the request carries what its operation needs.
func (r *Request) Validate() error {
	switch r.Op {
	case OpCreate:
		if r.Type == 0 {
			return fmt.Errorf("create request without resource type")
		}
		if r.Params == nil {
			return fmt.Errorf("create request without parameters")
		}
	case OpDestroy:
		if len(r.Handles) == 0 {
			return fmt.Errorf("destroy request without handles")
		}
		if len(r.Handles) > MaxHandlesPerDestroy {
			return fmt.Errorf("destroy request carries %d handles, limit is %d", len(r.Handles), MaxHandlesPerDestroy)
		}
	case OpControl:
		if r.Control == nil {
			return fmt.Errorf("control request without message")
		}
	default:
		return fmt.Errorf("invalid operation: %d", r.Op)
	}
	return nil
}

// Response is a device answer to a request.
type Response struct {
	Handle     uint16 `cbor:"1,keyasint,omitempty"`
	Label      uint16 `cbor:"2,keyasint,omitempty"`
	FunctionID uint16 `cbor:"3,keyasint,omitempty"`
}
