package stores

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/openmost/mostd/pkg/engine"
	"github.com/openmost/mostd/pkg/telemetry"
)

// Recorder writes route reports and resource diagnostics to a Store off the
// scheduler goroutine. Records are queued and written by Run; when the queue
// is full new records are dropped and counted.
type Recorder struct {
	store  Store
	queue  chan func(context.Context) error
	logger *telemetry.Logger

	mu      sync.Mutex
	dropped int
}

// NewRecorder creates a recorder with room for size queued records.
func NewRecorder(store Store, size int, tel *telemetry.Telemetry) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{
		store:  store,
		queue:  make(chan func(context.Context) error, size),
		logger: tel.ComponentLogger("recorder"),
	}
}

// RouteReport queues a route report.
func (r *Recorder) RouteReport(id uint16, name string, info engine.RouteInfo) {
	report := &RouteReport{RouteID: id, RouteName: name, Info: info, RecordedAt: time.Now()}
	r.enqueue(func(ctx context.Context) error {
		return r.store.AppendRouteReport(ctx, report)
	})
}

// ResourceEvent queues a resource diagnostic. It has the shape of an
// engine.ResourceObserver.
func (r *Recorder) ResourceEvent(ev engine.ResourceEvent) {
	event := &ResourceEvent{
		Node:         ev.Node,
		ResourceType: ev.Type.String(),
		Handle:       ev.Handle,
		Info:         ev.Info,
		Job:          ev.Job,
		RecordedAt:   time.Now(),
	}
	if ev.Err != nil {
		msg := ev.Err.Error()
		event.Error = &msg
	}
	r.enqueue(func(ctx context.Context) error {
		return r.store.AppendResourceEvent(ctx, event)
	})
}

// Audit queues an audit entry.
func (r *Recorder) Audit(action, actor string, target *string, details *string) {
	entry := &AuditEntry{Action: action, Actor: actor, TargetID: target, Details: details, Timestamp: time.Now()}
	r.enqueue(func(ctx context.Context) error {
		return r.store.CreateAuditEntry(ctx, entry)
	})
}

// AuditEvent queues an audit entry for a telemetry event. It is a
// telemetry.EventSubscriber. The event data becomes the entry details.
func (r *Recorder) AuditEvent(ev telemetry.Event) {
	var target, details *string
	switch {
	case ev.Node != "":
		target = &ev.Node
	case ev.RouteID != 0:
		id := strconv.Itoa(int(ev.RouteID))
		target = &id
	}
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			s := string(data)
			details = &s
		}
	}
	r.Audit(ev.Type, ev.Source, target, details)
}

// Dropped returns the number of records lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(write func(context.Context) error) {
	select {
	case r.queue <- write:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("record queue full, record dropped")
	}
}

// Run writes queued records until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case write := <-r.queue:
			r.write(ctx, write)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case write := <-r.queue:
			r.write(ctx, write)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, write func(context.Context) error) {
	if err := write(ctx); err != nil {
		r.logger.WithError(err).Error("failed to write record")
	}
}
