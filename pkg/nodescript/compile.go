// Package nodescript compiles and runs node configuration scripts.
//
// A script is Starlark source that assigns a list of control messages to the
// global `messages`. Each message is built with the predeclared msg()
// function:
//
//	messages = [
//	    msg(fblock=0x22, function=0x200, op=0x2, payload=[0x01, 0x00], expect=0x200),
//	    msg(fblock=0x22, function=0x201, op=0x2, payload=b"\x05", pause_ms=20),
//	]
//
// The predeclared `node` struct carries the name and addresses of the device
// the script is compiled for, so one source can serve several nodes. The
// compiled messages are sent in order by a Runner when the node becomes
// available, before any route uses it.
package nodescript

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openmost/mostd/pkg/engine"
)

// messageCtor tags the structs built by msg().
var messageCtor = starlark.String("message")

const defaultMaxSteps = 1_000_000

// Compiler executes node scripts with a time and step budget.
type Compiler struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewCompiler creates a compiler. A zero timeout means five seconds.
func NewCompiler(timeout time.Duration) *Compiler {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Compiler{timeout: timeout, maxSteps: defaultMaxSteps}
}

// Compile runs source for node n and returns the messages it assigns.
func (c *Compiler) Compile(ctx context.Context, n *engine.Node, source string) ([]engine.ScriptMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "node:" + n.Name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(c.maxSteps)

	type result struct {
		msgs []engine.ScriptMessage
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		msgs, err := c.exec(thread, n, source)
		resultCh <- result{msgs, err}
	}()

	select {
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-resultCh
		return nil, fmt.Errorf("script of node %s: execution timeout after %v", n.Name, c.timeout)
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("script of node %s: %w", n.Name, res.err)
		}
		return res.msgs, nil
	}
}

func (c *Compiler) exec(thread *starlark.Thread, n *engine.Node, source string) ([]engine.ScriptMessage, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"msg":    starlark.NewBuiltin("msg", builtinMsg),
		"node": starlarkstruct.FromStringDict(starlark.String("node"), starlark.StringDict{
			"name":          starlark.String(n.Name),
			"address":       starlark.MakeInt(int(n.Signature.NodeAddress)),
			"group_address": starlark.MakeInt(int(n.Signature.GroupAddress)),
		}),
	}

	globals, err := starlark.ExecFile(thread, n.Name+".star", source, predeclared)
	if err != nil {
		return nil, err
	}
	v, ok := globals["messages"]
	if !ok {
		return nil, fmt.Errorf("script does not define messages")
	}
	return toMessages(v)
}

// builtinMsg implements msg().
func builtinMsg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		fblock, function, op    int
		instance, expect, pause int
		payload                 starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"fblock", &fblock,
		"function", &function,
		"op", &op,
		"payload?", &payload,
		"instance?", &instance,
		"expect?", &expect,
		"pause_ms?", &pause,
	); err != nil {
		return nil, err
	}

	limits := []struct {
		name  string
		value int
		max   int
	}{
		{"fblock", fblock, 0xFF},
		{"function", function, 0xFFF},
		{"op", op, 0xF},
		{"instance", instance, 0xFF},
		{"expect", expect, 0xFFF},
		{"pause_ms", pause, 0xFFFF},
	}
	for _, l := range limits {
		if l.value < 0 || l.value > l.max {
			return nil, fmt.Errorf("%s: %s out of range: %d", b.Name(), l.name, l.value)
		}
	}

	data, err := payloadBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	return starlarkstruct.FromStringDict(messageCtor, starlark.StringDict{
		"fblock":   starlark.MakeInt(fblock),
		"function": starlark.MakeInt(function),
		"op":       starlark.MakeInt(op),
		"instance": starlark.MakeInt(instance),
		"expect":   starlark.MakeInt(expect),
		"pause_ms": starlark.MakeInt(pause),
		"payload":  starlark.Bytes(data),
	}), nil
}

// payloadBytes accepts None, bytes, or a list or tuple of byte values.
func payloadBytes(v starlark.Value) ([]byte, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bytes:
		return []byte(val), nil
	case starlark.Indexable:
		out := make([]byte, val.Len())
		for i := 0; i < val.Len(); i++ {
			b, err := starlark.AsInt32(val.Index(i))
			if err != nil || b < 0 || b > 0xFF {
				return nil, fmt.Errorf("payload[%d] is not a byte: %s", i, val.Index(i))
			}
			out[i] = byte(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload must be bytes or a list of ints, got %s", v.Type())
	}
}

func toMessages(v starlark.Value) ([]engine.ScriptMessage, error) {
	list, ok := v.(starlark.Indexable)
	if !ok || v.Type() == "string" || v.Type() == "bytes" {
		return nil, fmt.Errorf("messages must be a list, got %s", v.Type())
	}

	out := make([]engine.ScriptMessage, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		s, ok := list.Index(i).(*starlarkstruct.Struct)
		if !ok || s.Constructor() != messageCtor {
			return nil, fmt.Errorf("messages[%d]: want msg(...), got %s", i, list.Index(i).Type())
		}
		m, err := toMessage(s)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func toMessage(s *starlarkstruct.Struct) (engine.ScriptMessage, error) {
	ints := make(map[string]int, 6)
	for _, name := range []string{"fblock", "function", "op", "instance", "expect", "pause_ms"} {
		attr, err := s.Attr(name)
		if err != nil {
			return engine.ScriptMessage{}, err
		}
		n, err := starlark.AsInt32(attr)
		if err != nil {
			return engine.ScriptMessage{}, fmt.Errorf("%s: %w", name, err)
		}
		ints[name] = n
	}
	payload, err := s.Attr("payload")
	if err != nil {
		return engine.ScriptMessage{}, err
	}
	data, err := payloadBytes(payload)
	if err != nil {
		return engine.ScriptMessage{}, err
	}

	return engine.ScriptMessage{
		FBlockID:         uint8(ints["fblock"]),
		InstanceID:       uint8(ints["instance"]),
		FunctionID:       uint16(ints["function"]),
		OpType:           uint8(ints["op"]),
		Payload:          data,
		ExpectFunctionID: uint16(ints["expect"]),
		PauseMs:          uint16(ints["pause_ms"]),
	}, nil
}
