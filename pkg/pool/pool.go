// Package pool holds the job slots and the resource-handle table shared by
// every job engine. Capacities are fixed at construction and slots are never
// reallocated, so *Job and *Entry pointers stay valid for the pool lifetime.
//
// The pool is not safe for concurrent use. It lives on the scheduler goroutine.
package pool

import (
	"fmt"

	"github.com/openmost/mostd/pkg/engine"
)

// ErrNoFreeJobSlot is returned by Job when every slot is in use.
var ErrNoFreeJobSlot = engine.ErrNoFreeJob

// Job is the pool record of a job list.
type Job struct {
	list *engine.JobList
	slot int
	used bool

	// Node is the device address the job is executed on.
	Node uint16

	// Valid is set once every resource of the job exists on the device.
	Valid bool

	// Notify asks the engine to tell the owner about an invalidation.
	Notify bool

	// SyncLost is set when the device lost synchronization while the job existed.
	SyncLost bool

	// UserArg is the opaque argument of the last Construct or Teardown call.
	UserArg any

	// Label is the connection label of the job.
	Label uint16

	// Report receives reports the engine sends without a pending call,
	// such as invalidations.
	Report engine.ReportFunc
}

// List returns the job list the slot is bound to.
func (j *Job) List() *engine.JobList { return j.list }

// Slot returns the slot index.
func (j *Job) Slot() int { return j.slot }

// Name returns the job list name.
func (j *Job) Name() string {
	if j.list == nil {
		return ""
	}
	return j.list.Name
}

// Entry maps a (job, descriptor) pair to a device handle.
type Entry struct {
	Job        *Job
	Descriptor engine.Descriptor
	Handle     uint16
	used       bool
}

// Stats describes pool occupancy.
type Stats struct {
	JobsUsed    int `json:"jobs_used"`
	JobsCap     int `json:"jobs_cap"`
	HandlesUsed int `json:"handles_used"`
	HandlesCap  int `json:"handles_cap"`
}

// Pool is a fixed arena of job slots and handle entries.
type Pool struct {
	jobs    []Job
	entries []Entry
}

// New creates a pool with the given capacities.
func New(jobSlots, handleSlots int) (*Pool, error) {
	if jobSlots <= 0 || handleSlots <= 0 {
		return nil, fmt.Errorf("pool capacities must be positive, got jobs=%d handles=%d", jobSlots, handleSlots)
	}
	p := &Pool{
		jobs:    make([]Job, jobSlots),
		entries: make([]Entry, handleSlots),
	}
	for i := range p.jobs {
		p.jobs[i].slot = i
	}
	return p, nil
}

// Job returns the job bound to list, binding a free slot when none is.
func (p *Pool) Job(list *engine.JobList) (*Job, error) {
	if j := p.Find(list); j != nil {
		return j, nil
	}
	for i := range p.jobs {
		j := &p.jobs[i]
		if !j.used {
			j.used = true
			j.list = list
			return j, nil
		}
	}
	return nil, ErrNoFreeJobSlot
}

// Find returns the job bound to list, or nil.
func (p *Pool) Find(list *engine.JobList) *Job {
	for i := range p.jobs {
		j := &p.jobs[i]
		if j.used && j.list == list {
			return j
		}
	}
	return nil
}

// EachJob visits every bound job until fn returns true.
func (p *Pool) EachJob(fn func(*Job) bool) {
	for i := range p.jobs {
		if p.jobs[i].used && fn(&p.jobs[i]) {
			return
		}
	}
}

// Store records the handle of a descriptor for a job. It returns false when
// the handle table is full.
func (p *Pool) Store(handle uint16, job *Job, d engine.Descriptor) bool {
	free := -1
	for i := range p.entries {
		e := &p.entries[i]
		if e.used && e.Job == job && e.Descriptor == d {
			e.Handle = handle
			return true
		}
		if !e.used && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return false
	}
	p.entries[free] = Entry{Job: job, Descriptor: d, Handle: handle, used: true}
	return true
}

// Lookup returns the handle stored for d. A nil job matches any job accepted
// by filter (a nil filter accepts every job).
func (p *Pool) Lookup(job *Job, d engine.Descriptor, filter func(*Job) bool) (uint16, bool) {
	for i := range p.entries {
		e := &p.entries[i]
		if !e.used || e.Descriptor != d {
			continue
		}
		if job != nil {
			if e.Job == job {
				return e.Handle, true
			}
			continue
		}
		if filter == nil || filter(e.Job) {
			return e.Handle, true
		}
	}
	return 0, false
}

// Refs counts the valid jobs other than owner that hold d and pass filter.
func (p *Pool) Refs(owner *Job, d engine.Descriptor, filter func(*Job) bool) int {
	n := 0
	for i := range p.entries {
		e := &p.entries[i]
		if !e.used || e.Descriptor != d || e.Job == owner || !e.Job.Valid {
			continue
		}
		if filter == nil || filter(e.Job) {
			n++
		}
	}
	return n
}

// Scan visits every used entry until fn returns true.
func (p *Pool) Scan(fn func(*Entry) bool) {
	for i := range p.entries {
		if p.entries[i].used && fn(&p.entries[i]) {
			return
		}
	}
}

// Release drops the entry of (job, d).
func (p *Pool) Release(job *Job, d engine.Descriptor) {
	for i := range p.entries {
		e := &p.entries[i]
		if e.used && e.Job == job && e.Descriptor == d {
			*e = Entry{}
			return
		}
	}
}

// ReleaseEntries drops every entry of job and keeps the slot bound.
func (p *Pool) ReleaseEntries(job *Job) {
	for i := range p.entries {
		if p.entries[i].used && p.entries[i].Job == job {
			p.entries[i] = Entry{}
		}
	}
}

// ReleaseJob drops every entry of job and frees its slot.
func (p *Pool) ReleaseJob(job *Job) {
	p.ReleaseEntries(job)
	slot := job.slot
	*job = Job{slot: slot}
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	s := Stats{JobsCap: len(p.jobs), HandlesCap: len(p.entries)}
	for i := range p.jobs {
		if p.jobs[i].used {
			s.JobsUsed++
		}
	}
	for i := range p.entries {
		if p.entries[i].used {
			s.HandlesUsed++
		}
	}
	return s
}
