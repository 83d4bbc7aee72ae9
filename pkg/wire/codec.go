package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/openmost/mostd/pkg/engine"
)

// encMode is the CBOR encoder mode for device messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for device messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeRequest encodes a request message to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return encMode.Marshal(req)
}

// DecodeRequest decodes CBOR bytes into a request message.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := decMode.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response message to CBOR bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encMode.Marshal(resp)
}

// DecodeResponse decodes CBOR bytes into a response message.
// An empty payload decodes to a zero response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if len(data) == 0 {
		return &resp, nil
	}
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// CreateRequest builds the create request of a descriptor. resolve returns the
// device handle of a referenced descriptor; label is the requested connection
// label for a MOST input socket, zero otherwise.
func CreateRequest(d engine.Descriptor, resolve func(engine.Descriptor) (uint16, bool), label uint16) (*Request, error) {
	p := &Params{}
	for _, ref := range d.References() {
		h, ok := resolve(ref)
		if !ok {
			return nil, fmt.Errorf("%s references a %s without handle", d.Kind(), ref.Kind())
		}
		p.References = append(p.References, h)
	}

	switch v := d.(type) {
	case *engine.MostSocket:
		p.Direction = uint8(v.Direction)
		p.DataType = uint8(v.DataType)
		p.Bandwidth = v.Bandwidth
		p.PortHandle = v.PortHandle
		if p.PortHandle == 0 {
			p.PortHandle = engine.MostPortHandle
		}
		if v.Direction == engine.DirectionInput {
			p.Label = label
		}
	case *engine.MlbPort:
		p.Index = v.Index
		p.ClockConfig = v.ClockConfig
	case *engine.MlbSocket:
		p.Direction = uint8(v.Direction)
		p.DataType = uint8(v.DataType)
		p.Bandwidth = v.Bandwidth
		p.ChannelAddress = v.ChannelAddress
	case *engine.UsbPort:
		p.Index = v.Index
		p.ClockConfig = uint16(v.PhysicalLayer)
		p.ChannelAddress = v.DeviceInterfaces
		p.EndpointAddr = v.StreamingInEndpoints
		p.Pin = v.StreamingOutEndpoints
	case *engine.UsbSocket:
		p.Direction = uint8(v.Direction)
		p.DataType = uint8(v.DataType)
		p.EndpointAddr = v.EndpointAddress
		p.Frames = v.FramesPerTransfer
	case *engine.RmckPort:
		p.Index = v.Index
		p.ClockConfig = v.ClockSource
		p.Frames = v.Divisor
	case *engine.StreamPort:
		p.Index = v.Index
		p.ClockConfig = v.ClockConfig
		p.Alignment = v.DataAlignment
	case *engine.StreamSocket:
		p.Direction = uint8(v.Direction)
		p.DataType = uint8(v.DataType)
		p.Bandwidth = v.Bandwidth
		p.Pin = v.Pin
	case *engine.SyncConnection:
		p.MuteMode = uint8(v.MuteMode)
		p.Offset = v.Offset
	case *engine.AvpConnection:
		p.PacketSize = v.IsocPacketSize
	case *engine.DfiPhaseConnection, *engine.QoSConnection:
	case *engine.Combiner:
		p.PortHandle = v.PortHandle
		p.BytesPerFrame = v.BytesPerFrame
	case *engine.Splitter:
		p.PortHandle = v.PortHandle
		p.BytesPerFrame = v.BytesPerFrame
	default:
		return nil, fmt.Errorf("no create request for %s", d.Kind())
	}

	return &Request{Op: OpCreate, Type: d.Kind(), Params: p}, nil
}

// DestroyRequests splits handles into destroy requests of at most
// MaxHandlesPerDestroy handles each, preserving order.
func DestroyRequests(handles []uint16) []*Request {
	var out []*Request
	for len(handles) > 0 {
		n := len(handles)
		if n > MaxHandlesPerDestroy {
			n = MaxHandlesPerDestroy
		}
		batch := make([]uint16, n)
		copy(batch, handles[:n])
		out = append(out, &Request{Op: OpDestroy, Handles: batch})
		handles = handles[n:]
	}
	return out
}

// ControlRequest builds the request of a node script message.
func ControlRequest(m engine.ScriptMessage) *Request {
	return &Request{
		Op: OpControl,
		Control: &Control{
			FBlockID:   m.FBlockID,
			InstanceID: m.InstanceID,
			FunctionID: m.FunctionID,
			OpType:     m.OpType,
			Payload:    m.Payload,
		},
	}
}
