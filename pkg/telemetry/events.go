package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a deployment lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	DeploymentID string `json:"deployment_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for deployment events.
const (
	EventTypeDeploymentCreated = "deployment.created"
	EventTypeStatusChanged     = "deployment.status_changed"
	EventTypeDeploymentFailed  = "deployment.failed"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeWorkspaceConflict = "workspace.conflict"
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
// A nil or disabled publisher accepts and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
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
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
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
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDeploymentCreated publishes an event for an accepted create request.
func (ep *EventPublisher) PublishDeploymentCreated(deploymentID, base string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentCreated,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s accepted for base %q", deploymentID, base),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"base": base,
		},
	})
}

// PublishStatusChanged publishes a status transition.
func (ep *EventPublisher) PublishStatusChanged(deploymentID, from, to, reason string) error {
	level := EventLevelInfo
	if to == "error" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:         EventTypeStatusChanged,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s moved from %s to %s", deploymentID, from, to),
		Level:        level,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishDeploymentFailed publishes a workflow failure with its reason code.
func (ep *EventPublisher) PublishDeploymentFailed(deploymentID, reason, message string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentFailed,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s failed (%s): %s", deploymentID, reason, message),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a rejected create request.
func (ep *EventPublisher) PublishPolicyViolation(policyName, message string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Message: fmt.Sprintf("Policy %s denied request: %s", policyName, message),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
		},
	})
}

// PublishWorkspaceConflict publishes a shared directory consistency failure.
func (ep *EventPublisher) PublishWorkspaceConflict(deploymentID, owner string) error {
	return ep.Publish(Event{
		Type:         EventTypeWorkspaceConflict,
		Source:       "workspace",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Shared directory still holds state of %s", owner),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"owner": owner,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
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

// processEvents delivers buffered events in batches, flushing a partial
// batch every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent calls matching subscribers in order. Subscribers must not block.
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

// Shutdown drains buffered events and stops the publisher.
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

// FilterByDeploymentID creates a filter that only allows events for one deployment.
func FilterByDeploymentID(id string) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == id
	}
}
