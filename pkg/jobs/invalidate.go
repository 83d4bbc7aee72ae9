package jobs

import (
	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/pool"
)

// Invalidate handles resources the device dropped by itself. Every job of the
// device holding one of the handles becomes invalid and its owner gets an
// Invalidated report. Handles of those jobs the device still holds, and
// neither another valid job nor the job under construction uses, are
// destroyed once the engine is idle.
func (e *Engine) Invalidate(handles []uint16) {
	dropped := make(map[uint16]bool, len(handles))
	for _, h := range handles {
		dropped[h] = true
	}

	affected := make(map[*pool.Job]bool)
	e.pool.Scan(func(en *pool.Entry) bool {
		if en.Job.Node == e.addr && dropped[en.Handle] {
			affected[en.Job] = true
		}
		return false
	})
	if len(affected) == 0 {
		return
	}
	e.logger.Infof("device dropped %d handles, %d jobs affected", len(handles), len(affected))

	// Mark every affected job first so shared handles are counted correctly.
	wasValid := make(map[*pool.Job]bool, len(affected))
	for j := range affected {
		wasValid[j] = j.Valid
		j.Valid = false
	}

	var orphans []uint16
	seen := make(map[uint16]bool)
	for j := range affected {
		if list := j.List(); list != nil {
			for i := len(list.Resources) - 1; i >= 0; i-- {
				d := list.Resources[i]
				if d.Kind() == engine.ResourceDefaultCreatedPort {
					continue
				}
				h, ok := e.pool.Lookup(j, d, nil)
				if !ok || dropped[h] || seen[h] || e.pool.Refs(j, d, e.sameDevice) > 0 {
					continue
				}
				if e.buildingHolds(d, affected) {
					continue
				}
				seen[h] = true
				orphans = append(orphans, h)
			}
		}
		e.drop(j, wasValid[j], false)
	}
	e.updatePoolGauges()
	e.queueOrphans(orphans...)
}

// buildingHolds reports whether the job under construction, unless it is
// dropped too, already holds d. It is not valid yet, so Refs skips it.
func (e *Engine) buildingHolds(d engine.Descriptor, affected map[*pool.Job]bool) bool {
	o := e.cur
	if o == nil || o.kind != opConstruct || affected[o.job] {
		return false
	}
	_, ok := e.pool.Lookup(o.job, d, nil)
	return ok
}

// DeviceLost handles a device that lost synchronization and with it every
// resource. Every job of the device becomes invalid and the next Construct
// synchronizes the device again.
func (e *Engine) DeviceLost() {
	e.synced = false
	e.orphans = nil

	var jobs []*pool.Job
	e.pool.EachJob(func(j *pool.Job) bool {
		if j.Node == e.addr {
			jobs = append(jobs, j)
		}
		return false
	})
	e.logger.Warnf("device lost synchronization, %d jobs invalidated", len(jobs))

	for _, j := range jobs {
		valid := j.Valid
		j.Valid = false
		e.drop(j, valid, true)
	}
	e.updatePoolGauges()
}

// drop releases a job the device invalidated and tells its owner.
func (e *Engine) drop(j *pool.Job, wasValid, syncLost bool) {
	j.SyncLost = syncLost

	if o := e.cur; o != nil && o.job == j {
		err := engine.NewUncriticalError("device dropped resources of the job", nil).
			WithCode(engine.ErrCodeInvalidated).
			WithNode(e.addr).
			WithOperation(o.kind.String())
		e.pool.ReleaseJob(j)
		outcome, label, failure := engine.JobOutcomeFailed, uint16(0), error(err)
		if o.kind == opTeardown {
			outcome, label, failure = engine.JobOutcomeDestroyed, o.label, nil
		}
		e.settle(o, outcome, failure)
		rep := e.jobReport(o, outcome, label, failure)
		e.enqueue(func() { o.report(rep) })
		return
	}

	report := j.Report
	notify := wasValid && j.Notify && report != nil
	label := j.Label
	userArg := j.UserArg
	e.pool.ReleaseJob(j)
	if notify {
		e.enqueue(func() {
			report(engine.JobReport{
				Node:    e.addr,
				Label:   label,
				Outcome: engine.JobOutcomeInvalidated,
				Err: engine.NewUncriticalError("device dropped resources of the job", nil).
					WithCode(engine.ErrCodeInvalidated).
					WithNode(e.addr),
				UserArg: userArg,
			})
		})
	}
}
