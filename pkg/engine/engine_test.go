package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("link down")

	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"uncritical", NewUncriticalError("tx failed", cause), ErrorClassUncritical, true},
		{"critical", NewCriticalError("device refused", nil), ErrorClassCritical, false},
		{"rejected", NewRejectedError("pool exhausted", nil).WithCode(ErrCodePoolFull), ErrorClassRejected, false},
		{"busy", NewRejectedError("engine busy", nil).WithCode(ErrCodeBusy), ErrorClassRejected, true},
		{"wrapped", fmt.Errorf("build: %w", NewUncriticalError("timeout", nil)), ErrorClassUncritical, true},
		{"plain", cause, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestEngineErrorMatching(t *testing.T) {
	err := NewRejectedError("engine busy", nil).WithCode(ErrCodeBusy).WithNode(0x210)

	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, errors.Is(err, ErrNoFreeJob))
	assert.Equal(t, ErrCodeBusy, CodeOf(err))
	assert.Equal(t, "", CodeOf(errors.New("other")))

	wrapped := fmt.Errorf("activate: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBusy))
	assert.True(t, IsRejected(wrapped))
}

func TestEngineErrorMessage(t *testing.T) {
	cause := errors.New("no ack")

	err := NewCriticalError("create socket", cause).WithNode(0x210).WithOperation("build")
	assert.Equal(t, "[critical] create socket: no ack (node=0x0210, operation=build)", err.Error())
	assert.ErrorIs(t, err, cause)

	err = NewUncriticalError("sync", nil).WithNode(0x2)
	assert.Equal(t, "[uncritical] sync (node=0x0002)", err.Error())

	err = NewRejectedError("invalid state", nil)
	assert.Equal(t, "[rejected] invalid state", err.Error())
}

func TestClassifyTxResult(t *testing.T) {
	assert.Nil(t, ClassifyTxResult(TxSuccess))

	for _, res := range []TxResult{TxBusy, TxProcessing, TxTimeout, TxTransmission} {
		err := ClassifyTxResult(res)
		require.NotNil(t, err, res)
		assert.True(t, IsUncritical(err), res)
		assert.Equal(t, ErrCodeTransmission, err.Code)
		assert.Equal(t, string(res), err.Details["tx_result"])
	}

	for _, res := range []TxResult{TxStandardError, TxConfiguration, TxSystemError} {
		err := ClassifyTxResult(res)
		require.NotNil(t, err, res)
		assert.True(t, IsCritical(err), res)
		assert.Equal(t, ErrCodeDeviceRejected, err.Code)
	}
}

func TestJobListValidate(t *testing.T) {
	port := &StreamPort{Index: 0}
	in := &StreamSocket{Port: port, Direction: DirectionInput, Bandwidth: 4}
	out := &MostSocket{Direction: DirectionOutput, Bandwidth: 4}
	conn := &SyncConnection{In: in, Out: out}

	t.Run("valid", func(t *testing.T) {
		list := &JobList{Name: "amp-main", Resources: []Descriptor{port, in, out, conn}}
		assert.NoError(t, list.Validate())
	})

	t.Run("empty", func(t *testing.T) {
		list := &JobList{Name: "empty"}
		assert.ErrorContains(t, list.Validate(), "has no resources")
	})

	t.Run("reference after user", func(t *testing.T) {
		list := &JobList{Name: "bad", Resources: []Descriptor{port, conn, in, out}}
		assert.ErrorContains(t, list.Validate(), "does not precede it")
	})

	t.Run("duplicate", func(t *testing.T) {
		list := &JobList{Name: "dup", Resources: []Descriptor{port, port}}
		assert.ErrorContains(t, list.Validate(), "listed twice")
	})

	t.Run("nil resource", func(t *testing.T) {
		list := &JobList{Name: "nil", Resources: []Descriptor{port, nil}}
		assert.ErrorContains(t, list.Validate(), "is nil")
	})
}

func TestNetworkBandwidth(t *testing.T) {
	list := &JobList{Resources: []Descriptor{
		&MostSocket{Direction: DirectionOutput, Bandwidth: 4},
		&MostSocket{Direction: DirectionInput, Bandwidth: 2},
		&StreamPort{},
	}}
	assert.Equal(t, 6, list.NetworkBandwidth())
	assert.Equal(t, 0, (&JobList{}).NetworkBandwidth())
}

func TestDefaultCreatedPortHandle(t *testing.T) {
	p := &DefaultCreatedPort{PortType: PortTypeUsb, Index: 1}
	assert.Equal(t, uint16(0x1201), p.Handle())
	assert.Empty(t, p.References())
}

func TestParseNames(t *testing.T) {
	for typ, name := range resourceTypeNames {
		parsed, err := ParseResourceType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
		assert.Equal(t, name, typ.String())
	}
	_, err := ParseResourceType("socket")
	assert.Error(t, err)
	assert.Equal(t, "resource_type(99)", ResourceType(99).String())

	for typ, name := range dataTypeNames {
		parsed, err := ParseDataType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err = ParseDataType("audio")
	assert.Error(t, err)

	d, err := ParseDirection("OUT")
	require.NoError(t, err)
	assert.Equal(t, DirectionOutput, d)
	d, err = ParseDirection("input")
	require.NoError(t, err)
	assert.Equal(t, "in", d.String())
	_, err = ParseDirection("both")
	assert.Error(t, err)
}

func TestRouteState(t *testing.T) {
	assert.True(t, RouteStateSuspended.IsTerminal())
	assert.False(t, RouteStateIdle.IsTerminal())

	for _, s := range []RouteState{RouteStateConstruction, RouteStateBuilt, RouteStateDeteriorated, RouteStateDestruction} {
		assert.True(t, s.IsActive(), s)
	}
	assert.False(t, RouteStateIdle.IsActive())
	assert.False(t, RouteStateSuspended.IsActive())

	data, err := json.Marshal(RouteStateDeteriorated)
	require.NoError(t, err)
	assert.JSONEq(t, `"deteriorated"`, string(data))

	var s RouteState
	require.NoError(t, json.Unmarshal([]byte(`"built"`), &s))
	assert.Equal(t, RouteStateBuilt, s)
	assert.Error(t, json.Unmarshal([]byte(`"broken"`), &s))
}

func TestRouteInfoValidate(t *testing.T) {
	for _, i := range []RouteInfo{RouteInfoBuilt, RouteInfoDestroyed, RouteInfoSuspended, RouteInfoProcessStop} {
		assert.NoError(t, i.Validate())
	}
	assert.Error(t, RouteInfo("unknown").Validate())
	assert.Error(t, TxResult("lost").Validate())
	assert.NoError(t, TxTimeout.Validate())
}
