// Package jobs builds and tears down job lists on one remote device.
//
// An Engine processes exactly one Construct or Teardown at a time. Device
// requests are asynchronous: the engine suspends after each request and
// resumes on the scheduler goroutine when the transceiver delivers the result.
// Handles are recorded in the shared pool so jobs of the same device can reuse
// resources another job already created.
package jobs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/pool"
	"github.com/openmost/mostd/pkg/scheduler"
	"github.com/openmost/mostd/pkg/telemetry"
)

// Event bits of the engine service.
const (
	evStep    scheduler.Event = 1 << iota // continue the current operation
	evNotify                              // deliver queued reports
	evCleanup                             // destroy orphaned handles
)

// Config holds the retry settings of an engine.
type Config struct {
	// StepRetryLimit is how often an uncritical step error is retried.
	StepRetryLimit int

	// StepRetryDelay is the pause before a retry.
	StepRetryDelay time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		StepRetryLimit: 2,
		StepRetryDelay: 20 * time.Millisecond,
	}
}

// Options are the collaborators of an engine.
type Options struct {
	Pool        *pool.Pool
	Transceiver engine.Transceiver
	RemoteSync  engine.RemoteSync
	Scheduler   *scheduler.Scheduler
	Config      Config

	// Telemetry is optional.
	Telemetry *telemetry.Telemetry

	// Observer receives resource diagnostics. Optional.
	Observer engine.ResourceObserver
}

type opKind int

const (
	opConstruct opKind = iota
	opTeardown
)

func (k opKind) String() string {
	if k == opTeardown {
		return "teardown"
	}
	return "construct"
}

// op is one Construct or Teardown call in flight.
type op struct {
	kind    opKind
	job     *pool.Job
	list    *engine.JobList
	label   uint16
	userArg any
	report  engine.ReportFunc
	state   engine.JobState
	started time.Time
	span    trace.Span

	// construct
	step    int
	retries int

	// teardown
	batches [][]uint16
	descs   [][]engine.Descriptor
	batch   int
}

// Engine executes jobs on one device.
type Engine struct {
	addr    uint16
	pool    *pool.Pool
	tx      engine.Transceiver
	rsync   engine.RemoteSync
	sched   *scheduler.Scheduler
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	observe engine.ResourceObserver

	svc   *scheduler.Service
	retry *scheduler.Timer

	synced  bool
	cur     *op
	queued  []func()
	orphans []uint16
}

// New creates the engine of one device.
func New(address uint16, opts Options) *Engine {
	e := &Engine{
		addr:    address,
		pool:    opts.Pool,
		tx:      opts.Transceiver,
		rsync:   opts.RemoteSync,
		sched:   opts.Scheduler,
		cfg:     opts.Config,
		logger:  opts.Telemetry.ComponentLogger("jobs").WithNode(address),
		metrics: opts.Telemetry.MetricsSink(),
		tracer:  opts.Telemetry.ComponentTracer("jobs"),
		observe: opts.Observer,
	}
	name := "jobs/" + engine.FormatAddress(address)
	e.svc = e.sched.RegisterService(2, name, e.service)
	e.retry = e.sched.NewTimer(name+"/retry", e.onRetry)
	return e
}

// Address returns the device address.
func (e *Engine) Address() uint16 { return e.addr }

// Busy reports whether a Construct or Teardown is in flight.
func (e *Engine) Busy() bool { return e.cur != nil }

// Synced reports whether the device was synchronized since the last loss.
func (e *Engine) Synced() bool { return e.synced }

// State returns the progress of a job list on this engine.
func (e *Engine) State(list *engine.JobList) engine.JobState {
	if e.cur != nil && e.cur.list == list {
		return e.cur.state
	}
	if j := e.pool.Find(list); j != nil && j.Valid && j.Node == e.addr {
		return engine.JobStateBuilt
	}
	return engine.JobStateIdle
}

// Construct builds every resource of list on the device. The outcome is
// delivered to report on the scheduler goroutine, never from within Construct.
// requestedLabel is passed to MOST input sockets.
func (e *Engine) Construct(list *engine.JobList, requestedLabel uint16, userArg any, report engine.ReportFunc) error {
	if e.cur != nil {
		return engine.ErrBusy
	}
	if err := list.Validate(); err != nil {
		return engine.NewRejectedError("invalid job list", err).
			WithCode(engine.ErrCodeValidation).
			WithNode(e.addr).
			WithOperation("construct")
	}

	job, err := e.pool.Job(list)
	if err != nil {
		e.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		return err
	}
	e.updatePoolGauges()

	job.Node = e.addr
	job.UserArg = userArg
	job.Report = report

	if job.Valid {
		// Already built: confirm without device traffic.
		label := job.Label
		e.enqueue(func() {
			report(engine.JobReport{Node: e.addr, Label: label, Outcome: engine.JobOutcomeBuilt, UserArg: userArg})
		})
		return nil
	}

	o := &op{
		kind:    opConstruct,
		job:     job,
		list:    list,
		label:   requestedLabel,
		userArg: userArg,
		report:  report,
		state:   engine.JobStateAttaching,
		started: e.sched.Clock().Now(),
	}
	_, o.span = e.tracer.Start(context.Background(), "jobs.construct", trace.WithAttributes(
		telemetry.AttrNode.String(engine.FormatAddress(e.addr)),
		telemetry.AttrJob.String(list.Name),
	))
	e.cur = o
	e.logger.WithJob(list.Name).Debug("construct started")

	if e.synced {
		o.state = engine.JobStateBuilding
		e.svc.SetEvent(evStep)
		return nil
	}

	e.rsync.SyncDevice(e.addr, func(res engine.SyncResult) { e.onSync(o, res) })
	return nil
}

// Teardown releases the resources of list that no other valid job of the
// device still uses. The outcome is delivered to report on the scheduler goroutine.
func (e *Engine) Teardown(list *engine.JobList, userArg any, report engine.ReportFunc) error {
	if e.cur != nil {
		return engine.ErrBusy
	}

	job := e.pool.Find(list)
	if job == nil || job.Node != e.addr {
		e.enqueue(func() {
			report(engine.JobReport{Node: e.addr, Outcome: engine.JobOutcomeDestroyed, UserArg: userArg})
		})
		return nil
	}

	job.Valid = false
	job.UserArg = userArg

	var handles []uint16
	var descs []engine.Descriptor
	for i := len(list.Resources) - 1; i >= 0; i-- {
		d := list.Resources[i]
		if d.Kind() == engine.ResourceDefaultCreatedPort {
			continue
		}
		h, ok := e.pool.Lookup(job, d, nil)
		if !ok {
			continue
		}
		if e.pool.Refs(job, d, e.sameDevice) > 0 {
			continue
		}
		handles = append(handles, h)
		descs = append(descs, d)
	}

	if len(handles) == 0 {
		label := job.Label
		e.pool.ReleaseJob(job)
		e.updatePoolGauges()
		e.enqueue(func() {
			report(engine.JobReport{Node: e.addr, Label: label, Outcome: engine.JobOutcomeDestroyed, UserArg: userArg})
		})
		return nil
	}

	o := &op{
		kind:    opTeardown,
		job:     job,
		list:    list,
		label:   job.Label,
		userArg: userArg,
		report:  report,
		state:   engine.JobStateDestroying,
		started: e.sched.Clock().Now(),
	}
	_, o.span = e.tracer.Start(context.Background(), "jobs.teardown", trace.WithAttributes(
		telemetry.AttrNode.String(engine.FormatAddress(e.addr)),
		telemetry.AttrJob.String(list.Name),
	))
	for start := 0; start < len(handles); start += maxHandlesPerDestroy {
		end := start + maxHandlesPerDestroy
		if end > len(handles) {
			end = len(handles)
		}
		o.batches = append(o.batches, handles[start:end])
		o.descs = append(o.descs, descs[start:end])
	}
	e.cur = o
	e.logger.WithJob(list.Name).Debugf("teardown started, %d handles in %d requests", len(handles), len(o.batches))
	e.svc.SetEvent(evStep)
	return nil
}

// Reset forgets every job of the device without device traffic or reports.
// Used when the network or the device goes away.
func (e *Engine) Reset() {
	if e.cur != nil && e.cur.span != nil {
		e.cur.span.End()
	}
	e.cur = nil
	e.retry.Stop()
	e.synced = false
	e.queued = nil
	e.orphans = nil

	var drop []*pool.Job
	e.pool.EachJob(func(j *pool.Job) bool {
		if j.Node == e.addr {
			drop = append(drop, j)
		}
		return false
	})
	for _, j := range drop {
		e.pool.ReleaseJob(j)
	}
	e.updatePoolGauges()
}

func (e *Engine) service(ev scheduler.Event) {
	if ev&evNotify != 0 {
		queued := e.queued
		e.queued = nil
		for _, fn := range queued {
			fn()
		}
	}
	if ev&evStep != 0 && e.cur != nil {
		switch e.cur.kind {
		case opConstruct:
			e.runConstruct(e.cur)
		case opTeardown:
			e.sendBatch(e.cur)
		}
	}
	if ev&evCleanup != 0 {
		e.cleanup()
	}
}

func (e *Engine) enqueue(fn func()) {
	e.queued = append(e.queued, fn)
	e.svc.SetEvent(evNotify)
}

func (e *Engine) onRetry() {
	if e.cur != nil {
		e.svc.SetEvent(evStep)
	}
}

// sameDevice accepts the valid jobs of this device.
func (e *Engine) sameDevice(j *pool.Job) bool {
	return j.Valid && j.Node == e.addr
}

func (e *Engine) emit(job string, d engine.Descriptor, handle uint16, info engine.ResourceInfo, userArg any, err error) {
	e.metrics.RecordResourceEvent(d.Kind().String(), string(info))
	if e.observe == nil {
		return
	}
	e.observe(engine.ResourceEvent{
		Node:    e.addr,
		Type:    d.Kind(),
		Handle:  handle,
		Info:    info,
		Job:     job,
		UserArg: userArg,
		Err:     err,
	})
}

func (e *Engine) updatePoolGauges() {
	s := e.pool.Stats()
	e.metrics.SetPoolUsage("jobs", s.JobsUsed)
	e.metrics.SetPoolUsage("handles", s.HandlesUsed)
}

// finish ends the current operation and reports its outcome.
func (e *Engine) finish(o *op, outcome engine.JobOutcome, label uint16, err error) {
	e.settle(o, outcome, err)
	o.report(e.jobReport(o, outcome, label, err))
}

// settle clears the current operation and records its outcome.
func (e *Engine) settle(o *op, outcome engine.JobOutcome, err error) {
	if e.cur == o {
		e.cur = nil
		e.retry.Stop()
	}

	e.metrics.RecordJob(o.kind.String(), string(outcome), e.sched.Clock().Since(o.started))
	if err != nil {
		e.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		telemetry.RecordError(o.span, err)
		e.logger.WithJob(o.list.Name).WithError(err).Warnf("%s %s", o.kind, outcome)
	} else {
		telemetry.RecordSuccess(o.span)
		e.logger.WithJob(o.list.Name).Debugf("%s %s", o.kind, outcome)
	}
	o.span.End()

	if len(e.orphans) > 0 {
		e.svc.SetEvent(evCleanup)
	}
}

func (e *Engine) jobReport(o *op, outcome engine.JobOutcome, label uint16, err error) engine.JobReport {
	return engine.JobReport{
		Node:    e.addr,
		Label:   label,
		Outcome: outcome,
		Err:     err,
		UserArg: o.userArg,
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("jobs.Engine(%s)", engine.FormatAddress(e.addr))
}
