package nodescript

import (
	"time"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/telemetry"
	"github.com/openmost/mostd/pkg/wire"
)

// Runner sends node scripts to their devices, one message at a time.
// It is not safe for concurrent use; every call happens on the scheduler goroutine.
type Runner struct {
	tx      engine.Transceiver
	sched   *scheduler.Scheduler
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	runs map[uint16]*run
}

type run struct {
	node  *engine.Node
	next  int
	gen   uint64
	timer *scheduler.Timer
	done  func(error)
}

// NewRunner creates a runner. tel is optional.
func NewRunner(tx engine.Transceiver, sched *scheduler.Scheduler, tel *telemetry.Telemetry) *Runner {
	return &Runner{
		tx:      tx,
		sched:   sched,
		logger:  tel.ComponentLogger("nodescript"),
		metrics: tel.MetricsSink(),
		runs:    make(map[uint16]*run),
	}
}

// Prepare sends the script of n and calls done with the outcome. A message
// fails when the device does not accept it or answers with another function
// than the expected one. Starting a node again abandons its running script.
func (r *Runner) Prepare(n *engine.Node, done func(error)) {
	rn, ok := r.runs[n.Address()]
	if !ok {
		rn = &run{}
		rn.timer = r.sched.NewTimer("nodescript/"+engine.FormatAddress(n.Address()), func() {
			r.step(rn, rn.gen)
		})
		r.runs[n.Address()] = rn
	}
	rn.timer.Stop()
	rn.gen++
	rn.node = n
	rn.next = 0
	rn.done = done

	r.logger.WithNode(n.Address()).Debugf("sending %d script messages", len(n.Script))
	r.step(rn, rn.gen)
}

// Cancel abandons the running script of a node without calling its done.
func (r *Runner) Cancel(address uint16) {
	if rn, ok := r.runs[address]; ok {
		rn.timer.Stop()
		rn.gen++
		rn.done = nil
	}
}

// Running reports whether a script is in progress for the node.
func (r *Runner) Running(address uint16) bool {
	rn, ok := r.runs[address]
	return ok && rn.done != nil
}

func (r *Runner) step(rn *run, gen uint64) {
	if rn.gen != gen || rn.done == nil {
		return
	}
	addr := rn.node.Address()
	if rn.next >= len(rn.node.Script) {
		r.finish(rn, nil)
		return
	}

	m := rn.node.Script[rn.next]
	payload, err := wire.EncodeRequest(wire.ControlRequest(m))
	if err != nil {
		r.finish(rn, engine.NewCriticalError("cannot encode script message", err).
			WithCode(engine.ErrCodeInternal).
			WithNode(addr).
			WithOperation("script"))
		return
	}

	err = r.tx.Send(addr, payload, func(res engine.TxResult, resp []byte) {
		r.onAnswer(rn, gen, m, res, resp)
	})
	if err != nil {
		r.finish(rn, engine.NewCriticalError("script message not sent", err).
			WithCode(engine.ErrCodeTransmission).
			WithNode(addr).
			WithOperation("script"))
	}
}

func (r *Runner) onAnswer(rn *run, gen uint64, m engine.ScriptMessage, res engine.TxResult, resp []byte) {
	if rn.gen != gen {
		return
	}
	addr := rn.node.Address()
	r.metrics.RecordDeviceRequest(wire.OpControl.String(), string(res))

	if e := engine.ClassifyTxResult(res); e != nil {
		r.finish(rn, e.WithNode(addr).WithOperation("script").WithDetail("message", rn.next))
		return
	}

	if m.ExpectFunctionID != 0 {
		var got uint16
		if len(resp) > 0 {
			answer, err := wire.DecodeResponse(resp)
			if err != nil {
				r.finish(rn, engine.NewCriticalError("malformed script answer", err).
					WithCode(engine.ErrCodeDeviceRejected).
					WithNode(addr).
					WithOperation("script"))
				return
			}
			got = answer.FunctionID
		}
		if got != m.ExpectFunctionID {
			r.finish(rn, engine.NewCriticalError("unexpected script answer", nil).
				WithCode(engine.ErrCodeDeviceRejected).
				WithNode(addr).
				WithOperation("script").
				WithDetail("message", rn.next).
				WithDetail("expected", m.ExpectFunctionID).
				WithDetail("got", got))
			return
		}
	}

	rn.next++
	if m.PauseMs > 0 {
		rn.timer.Set(time.Duration(m.PauseMs)*time.Millisecond, 0)
		return
	}
	r.step(rn, gen)
}

func (r *Runner) finish(rn *run, err error) {
	done := rn.done
	rn.done = nil
	rn.gen++
	rn.timer.Stop()

	log := r.logger.WithNode(rn.node.Address())
	if err != nil {
		r.metrics.RecordScriptRun("failed")
		r.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		log.WithError(err).Warnf("script failed at message %d", rn.next)
	} else {
		r.metrics.RecordScriptRun("success")
		log.Debug("script complete")
	}
	done(err)
}
