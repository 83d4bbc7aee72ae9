package jobs

import (
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/pool"
	"github.com/openmost/mostd/pkg/wire"
)

const maxHandlesPerDestroy = wire.MaxHandlesPerDestroy

func (e *Engine) onSync(o *op, res engine.SyncResult) {
	if e.cur != o {
		return
	}
	if res != engine.SyncSuccess {
		err := engine.NewCriticalError("remote synchronization failed", nil).
			WithCode(engine.ErrCodeSyncFailed).
			WithNode(e.addr).
			WithOperation("construct")
		e.pool.ReleaseJob(o.job)
		e.updatePoolGauges()
		e.finish(o, engine.JobOutcomeFailed, 0, err)
		return
	}
	e.synced = true
	o.state = engine.JobStateBuilding
	e.svc.SetEvent(evStep)
}

// runConstruct advances through the steps that need no device round trip and
// sends the create request of the first one that does.
func (e *Engine) runConstruct(o *op) {
	if o.state != engine.JobStateBuilding {
		return
	}
	for o.step < len(o.list.Resources) {
		d := o.list.Resources[o.step]

		if _, ok := e.pool.Lookup(o.job, d, nil); ok {
			o.step++
			continue
		}

		if port, ok := d.(*engine.DefaultCreatedPort); ok {
			if !e.pool.Store(port.Handle(), o.job, d) {
				e.fail(o, e.poolFullError())
				return
			}
			o.step++
			continue
		}

		if h, ok := e.pool.Lookup(nil, d, e.shareable(o)); ok {
			if !e.pool.Store(h, o.job, d) {
				e.fail(o, e.poolFullError())
				return
			}
			e.logger.WithJob(o.list.Name).Tracef("reusing %s 0x%04X", d.Kind(), h)
			o.step++
			continue
		}

		e.sendCreate(o, d)
		return
	}

	e.updatePoolGauges()
	o.job.Label = o.label
	o.job.Valid = true
	o.job.Notify = true
	o.job.SyncLost = false
	o.state = engine.JobStateBuilt
	e.finish(o, engine.JobOutcomeBuilt, o.label, nil)
}

// shareable accepts valid jobs of this device other than the one being built.
func (e *Engine) shareable(o *op) func(j *pool.Job) bool {
	return func(j *pool.Job) bool {
		return j != o.job && j.Valid && j.Node == e.addr
	}
}

func (e *Engine) sendCreate(o *op, d engine.Descriptor) {
	req, err := wire.CreateRequest(d, func(ref engine.Descriptor) (uint16, bool) {
		return e.pool.Lookup(o.job, ref, nil)
	}, o.label)
	if err != nil {
		e.fail(o, engine.NewCriticalError("cannot build create request", err).
			WithCode(engine.ErrCodeInternal).
			WithNode(e.addr).
			WithOperation("create"))
		return
	}
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		e.fail(o, engine.NewCriticalError("cannot encode create request", err).
			WithCode(engine.ErrCodeInternal).
			WithNode(e.addr).
			WithOperation("create"))
		return
	}

	if err := e.tx.Send(e.addr, payload, func(res engine.TxResult, resp []byte) {
		e.onCreateResult(o, d, res, resp)
	}); err != nil {
		e.stepFailed(o, d, engine.NewUncriticalError("create request not queued", err).
			WithCode(engine.ErrCodeTransmission).
			WithNode(e.addr).
			WithOperation("create"))
	}
}

func (e *Engine) onCreateResult(o *op, d engine.Descriptor, res engine.TxResult, payload []byte) {
	e.metrics.RecordDeviceRequest(wire.OpCreate.String(), string(res))

	if e.cur != o {
		// The call was abandoned. A resource created anyway is orphaned.
		if res == engine.TxSuccess {
			if resp, err := wire.DecodeResponse(payload); err == nil && resp.Handle != 0 {
				e.queueOrphans(resp.Handle)
			}
		}
		return
	}

	if err := engine.ClassifyTxResult(res); err != nil {
		err = err.WithNode(e.addr).WithOperation("create").WithDetail("resource_type", d.Kind().String())
		e.emit(o.list.Name, d, 0, engine.ResourceInfoErrBuild, o.userArg, err)
		e.stepFailed(o, d, err)
		return
	}

	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		e.fail(o, engine.NewCriticalError("invalid create response", err).
			WithCode(engine.ErrCodeDeviceRejected).
			WithNode(e.addr).
			WithOperation("create"))
		return
	}

	if !e.pool.Store(resp.Handle, o.job, d) {
		e.queueOrphans(resp.Handle)
		e.fail(o, e.poolFullError())
		return
	}
	e.emit(o.list.Name, d, resp.Handle, engine.ResourceInfoBuilt, o.userArg, nil)

	if sock, ok := d.(*engine.MostSocket); ok && sock.Direction == engine.DirectionOutput {
		o.label = resp.Label
	}

	o.step++
	o.retries = 0
	e.svc.SetEvent(evStep)
}

// stepFailed retries an uncritical error on the same step, or fails the job.
func (e *Engine) stepFailed(o *op, d engine.Descriptor, err *engine.EngineError) {
	if engine.IsUncritical(err) && o.retries < e.cfg.StepRetryLimit {
		o.retries++
		e.logger.WithJob(o.list.Name).WithError(err).Debugf("retrying %s, attempt %d", d.Kind(), o.retries)
		e.retry.Set(e.cfg.StepRetryDelay, 0)
		return
	}
	if engine.IsUncritical(err) {
		err = err.WithDetail("retries", o.retries)
	}
	e.fail(o, err)
}

// fail rolls back every handle the job holds that no valid job of the device
// still uses and reports Failed. A reused handle can be the job's alone when
// its other holders were invalidated meanwhile.
func (e *Engine) fail(o *op, err error) {
	var rollback []uint16
	for i := len(o.list.Resources) - 1; i >= 0; i-- {
		d := o.list.Resources[i]
		if d.Kind() == engine.ResourceDefaultCreatedPort {
			continue
		}
		h, ok := e.pool.Lookup(o.job, d, nil)
		if !ok || e.pool.Refs(o.job, d, e.sameDevice) > 0 {
			continue
		}
		rollback = append(rollback, h)
		e.emit(o.list.Name, d, h, engine.ResourceInfoDestroyed, o.userArg, nil)
	}
	e.pool.ReleaseJob(o.job)
	e.updatePoolGauges()
	e.queueOrphans(rollback...)
	o.state = engine.JobStateFailed
	e.finish(o, engine.JobOutcomeFailed, 0, err)
}

func (e *Engine) poolFullError() *engine.EngineError {
	return engine.NewCriticalError("resource handle pool full", nil).
		WithCode(engine.ErrCodePoolFull).
		WithNode(e.addr).
		WithOperation("create")
}

func (e *Engine) sendBatch(o *op) {
	req := &wire.Request{Op: wire.OpDestroy, Handles: o.batches[o.batch]}
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		e.teardownFailed(o, engine.NewCriticalError("cannot encode destroy request", err).
			WithCode(engine.ErrCodeInternal).
			WithNode(e.addr).
			WithOperation("destroy"))
		return
	}
	if err := e.tx.Send(e.addr, payload, func(res engine.TxResult, _ []byte) {
		e.onDestroyResult(o, res)
	}); err != nil {
		e.destroyStepFailed(o, engine.NewUncriticalError("destroy request not queued", err).
			WithCode(engine.ErrCodeTransmission).
			WithNode(e.addr).
			WithOperation("destroy"))
	}
}

func (e *Engine) onDestroyResult(o *op, res engine.TxResult) {
	e.metrics.RecordDeviceRequest(wire.OpDestroy.String(), string(res))
	if e.cur != o {
		return
	}

	if err := engine.ClassifyTxResult(res); err != nil {
		e.destroyStepFailed(o, err.WithNode(e.addr).WithOperation("destroy"))
		return
	}

	for i, d := range o.descs[o.batch] {
		e.emit(o.list.Name, d, o.batches[o.batch][i], engine.ResourceInfoDestroyed, o.userArg, nil)
	}
	o.retries = 0
	o.batch++
	if o.batch < len(o.batches) {
		e.svc.SetEvent(evStep)
		return
	}

	e.pool.ReleaseJob(o.job)
	e.updatePoolGauges()
	o.state = engine.JobStateIdle
	e.finish(o, engine.JobOutcomeDestroyed, o.label, nil)
}

func (e *Engine) destroyStepFailed(o *op, err *engine.EngineError) {
	if engine.IsUncritical(err) && o.retries < e.cfg.StepRetryLimit {
		o.retries++
		e.logger.WithJob(o.list.Name).WithError(err).Debugf("retrying destroy, attempt %d", o.retries)
		e.retry.Set(e.cfg.StepRetryDelay, 0)
		return
	}
	e.teardownFailed(o, err)
}

// teardownFailed gives up on the remaining handles. The job is released since
// the device state of its resources is unknown.
func (e *Engine) teardownFailed(o *op, err error) {
	for b := o.batch; b < len(o.batches); b++ {
		for i, d := range o.descs[b] {
			e.emit(o.list.Name, d, o.batches[b][i], engine.ResourceInfoErrDestroy, o.userArg, err)
		}
	}
	e.pool.ReleaseJob(o.job)
	e.updatePoolGauges()
	o.state = engine.JobStateIdle
	e.finish(o, engine.JobOutcomeFailed, o.label, err)
}

func (e *Engine) queueOrphans(handles ...uint16) {
	if len(handles) == 0 {
		return
	}
	e.orphans = append(e.orphans, handles...)
	if e.cur == nil {
		e.svc.SetEvent(evCleanup)
	}
}

// cleanup destroys orphaned handles while no call is in flight. Results are
// only logged.
func (e *Engine) cleanup() {
	if e.cur != nil || len(e.orphans) == 0 {
		return
	}
	orphans := e.orphans
	e.orphans = nil
	for _, req := range wire.DestroyRequests(orphans) {
		payload, err := wire.EncodeRequest(req)
		if err != nil {
			e.logger.WithError(err).Error("cannot encode cleanup request")
			continue
		}
		handles := req.Handles
		if err := e.tx.Send(e.addr, payload, func(res engine.TxResult, _ []byte) {
			e.metrics.RecordDeviceRequest(wire.OpDestroy.String(), string(res))
			if res != engine.TxSuccess {
				e.logger.Warnf("cleanup of %d handles ended with %s", len(handles), res)
			}
		}); err != nil {
			e.logger.WithError(err).Warn("cleanup request not queued")
		}
	}
}
