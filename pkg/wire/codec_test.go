package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmost/mostd/pkg/engine"
)

func TestCreateRequestResolvesReferences(t *testing.T) {
	in := &engine.MostSocket{Direction: engine.DirectionInput, DataType: engine.DataTypeSync, Bandwidth: 4}
	port := &engine.DefaultCreatedPort{PortType: engine.PortTypeStream, Index: 0}
	out := &engine.StreamSocket{Port: port, Direction: engine.DirectionOutput, Bandwidth: 4, Pin: 2}
	conn := &engine.SyncConnection{In: in, Out: out, Offset: 3}

	handles := map[engine.Descriptor]uint16{in: 0x0D01, out: 0x1601}
	resolve := func(d engine.Descriptor) (uint16, bool) {
		h, ok := handles[d]
		return h, ok
	}

	req, err := CreateRequest(conn, resolve, 0)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, req.Op)
	assert.Equal(t, engine.ResourceSyncConnection, req.Type)
	assert.Equal(t, []uint16{0x0D01, 0x1601}, req.Params.References)
	assert.Equal(t, uint16(3), req.Params.Offset)

	data, err := EncodeRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestCreateRequestMissingReference(t *testing.T) {
	port := &engine.MlbPort{Index: 0}
	sock := &engine.MlbSocket{Port: port}

	_, err := CreateRequest(sock, func(engine.Descriptor) (uint16, bool) { return 0, false }, 0)
	assert.ErrorContains(t, err, "without handle")
}

func TestCreateRequestMostSocketLabel(t *testing.T) {
	none := func(engine.Descriptor) (uint16, bool) { return 0, false }

	req, err := CreateRequest(&engine.MostSocket{Direction: engine.DirectionInput}, none, 0x0C)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0C), req.Params.Label)
	assert.Equal(t, engine.MostPortHandle, req.Params.PortHandle)

	req, err = CreateRequest(&engine.MostSocket{Direction: engine.DirectionOutput}, none, 0x0C)
	require.NoError(t, err)
	assert.Zero(t, req.Params.Label)
}

func TestCreateRequestRejectsDefaultPort(t *testing.T) {
	none := func(engine.Descriptor) (uint16, bool) { return 0, false }
	_, err := CreateRequest(&engine.DefaultCreatedPort{PortType: engine.PortTypeUsb}, none, 0)
	assert.Error(t, err)
}

func TestDestroyRequestsBatching(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		batches []int
	}{
		{name: "none", count: 0, batches: nil},
		{name: "one", count: 1, batches: []int{1}},
		{name: "exact", count: 22, batches: []int{22}},
		{name: "split", count: 23, batches: []int{22, 1}},
		{name: "two full", count: 44, batches: []int{22, 22}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handles := make([]uint16, tt.count)
			for i := range handles {
				handles[i] = uint16(i + 1)
			}
			reqs := DestroyRequests(handles)
			require.Len(t, reqs, len(tt.batches))

			next := uint16(1)
			for i, req := range reqs {
				assert.Len(t, req.Handles, tt.batches[i])
				require.NoError(t, req.Validate())
				for _, h := range req.Handles {
					assert.Equal(t, next, h)
					next++
				}
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{name: "create", req: Request{Op: OpCreate, Type: engine.ResourceMostSocket, Params: &Params{}}, ok: true},
		{name: "create without params", req: Request{Op: OpCreate, Type: engine.ResourceMostSocket}},
		{name: "destroy empty", req: Request{Op: OpDestroy}},
		{name: "destroy too many", req: Request{Op: OpDestroy, Handles: make([]uint16, 23)}},
		{name: "control", req: Request{Op: OpControl, Control: &Control{FunctionID: 0x200}}, ok: true},
		{name: "unknown op", req: Request{Op: 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	data, err := EncodeResponse(&Response{Handle: 0x0D03, Label: 0x000C})
	require.NoError(t, err)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0D03), resp.Handle)
	assert.Equal(t, uint16(0x000C), resp.Label)

	empty, err := DecodeResponse(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Handle)

	_, err = DecodeResponse([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestControlRequest(t *testing.T) {
	req := ControlRequest(engine.ScriptMessage{FBlockID: 0x00, FunctionID: 0x6C1, OpType: 0x02, Payload: []byte{1, 2}})
	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6C1), decoded.Control.FunctionID)
	assert.Equal(t, []byte{1, 2}, decoded.Control.Payload)
}
