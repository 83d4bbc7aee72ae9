package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmost/mostd/pkg/engine"
)

// Event represents a telemetry event in mostd.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Node is the device address in 0x%04X form, if applicable.
	Node string `json:"node,omitempty"`

	// RouteID is the associated route, if applicable.
	RouteID uint16 `json:"route_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRouteBuilt       = "route.built"
	EventTypeRouteDestroyed   = "route.destroyed"
	EventTypeRouteSuspended   = "route.suspended"
	EventTypeRouteProcessStop = "route.process_stop"
	EventTypeRouteRejected    = "route.rejected"
	EventTypeResourceBuilt    = "resource.built"
	EventTypeResourceDestroy  = "resource.destroyed"
	EventTypeResourceError    = "resource.error"
	EventTypeNodeAvailable    = "node.available"
	EventTypeNodeScriptFailed = "node.script_failed"
	EventTypeError            = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers are called one at a time in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRouteReport publishes a route report delivered to the application.
func (ep *EventPublisher) PublishRouteReport(routeID uint16, name string, info engine.RouteInfo) error {
	eventType := EventTypeRouteBuilt
	switch info {
	case engine.RouteInfoDestroyed:
		eventType = EventTypeRouteDestroyed
	case engine.RouteInfoSuspended:
		eventType = EventTypeRouteSuspended
	case engine.RouteInfoProcessStop:
		eventType = EventTypeRouteProcessStop
	}
	level := EventLevelInfo
	if info == engine.RouteInfoSuspended {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "routing",
		RouteID: routeID,
		Message: fmt.Sprintf("Route %d (%s): %s", routeID, name, info),
		Level:   level,
		Data: map[string]interface{}{
			"name": name,
			"info": string(info),
		},
	})
}

// PublishRouteRejected publishes an admission rejection.
func (ep *EventPublisher) PublishRouteRejected(routeID uint16, name, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRouteRejected,
		Source:  "policy",
		RouteID: routeID,
		Message: fmt.Sprintf("Route %d (%s) rejected: %s", routeID, name, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"name":   name,
			"reason": reason,
		},
	})
}

// PublishResourceEvent publishes a per-resource diagnostic from the job engine.
func (ep *EventPublisher) PublishResourceEvent(ev engine.ResourceEvent) error {
	eventType := EventTypeResourceBuilt
	level := EventLevelInfo
	switch ev.Info {
	case engine.ResourceInfoDestroyed:
		eventType = EventTypeResourceDestroy
	case engine.ResourceInfoErrBuild, engine.ResourceInfoErrDestroy:
		eventType = EventTypeResourceError
		level = EventLevelError
	}
	data := map[string]interface{}{
		"resource_type": ev.Type.String(),
		"handle":        ev.Handle,
		"info":          string(ev.Info),
		"job":           ev.Job,
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "jobs",
		Node:    engine.FormatAddress(ev.Node),
		Message: fmt.Sprintf("%s 0x%04X on %s: %s", ev.Type, ev.Handle, engine.FormatAddress(ev.Node), ev.Info),
		Level:   level,
		Data:    data,
	})
}

// PublishNodeAvailable publishes a node availability change.
func (ep *EventPublisher) PublishNodeAvailable(address uint16, available bool) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeAvailable,
		Source:  "routing",
		Node:    engine.FormatAddress(address),
		Message: fmt.Sprintf("Node %s available: %t", engine.FormatAddress(address), available),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"available": available,
		},
	})
}

// PublishNodeScriptFailed publishes a failed node configuration script.
func (ep *EventPublisher) PublishNodeScriptFailed(address uint16, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeScriptFailed,
		Source:  "nodescript",
		Node:    engine.FormatAddress(address),
		Message: fmt.Sprintf("Script on node %s failed: %s", engine.FormatAddress(address), reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is already queued up to the batch size.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRoute creates a filter that only allows events for a specific route.
func FilterByRoute(routeID uint16) EventFilter {
	return func(event Event) bool {
		return event.RouteID == routeID
	}
}

// FilterByNode creates a filter that only allows events for a specific node.
func FilterByNode(address uint16) EventFilter {
	node := engine.FormatAddress(address)
	return func(event Event) bool {
		return event.Node == node
	}
}
