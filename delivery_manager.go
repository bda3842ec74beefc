package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsync/internal/services"
	"chatsync/pkg/httputil"
)

// DeliveryStatus represents the status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryEvent is a sync result waiting to reach its channels.
type DeliveryEvent struct {
	ID           string           `json:"id"`
	Instance     string           `json:"instance"`
	EventType    string           `json:"event_type"`
	Payload      json.RawMessage  `json:"payload"`
	CreatedAt    time.Time        `json:"created_at"`
	AttemptCount int              `json:"attempt_count"`
	Status       DeliveryStatus   `json:"status"`
	LastError    string           `json:"last_error,omitempty"`
	Results      []DeliveryResult `json:"results,omitempty"`

	inFlight bool
}

// DeliveryResult represents the result of a delivery attempt
type DeliveryResult struct {
	Channel   string    `json:"channel"` // "webhook", "rabbitmq"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType string, data []byte) error
}

// DeliveryManager delivers sync results to the result webhook and RabbitMQ, retrying failures.
type DeliveryManager struct {
	mu           sync.RWMutex
	events       map[string]*DeliveryEvent
	webhookURL   string
	client       *resty.Client
	publisher    eventPublisher
	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration
	wg           sync.WaitGroup
}

// NewDeliveryManager creates a manager. publisher may be nil.
func NewDeliveryManager(webhookURL string, publisher eventPublisher, timeout time.Duration) *DeliveryManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dm := &DeliveryManager{
		events:       make(map[string]*DeliveryEvent),
		webhookURL:   webhookURL,
		client:       httputil.NewDefaultRestyClient(timeout / 2),
		publisher:    publisher,
		maxRetries:   3,
		retryBackoff: 2 * time.Second,
		timeout:      timeout,
	}
	log.Info().
		Bool("webhook", webhookURL != "").
		Bool("rabbitmq", publisher != nil).
		Int("maxRetries", dm.maxRetries).
		Dur("timeout", dm.timeout).
		Msg("Delivery manager initialized")
	return dm
}

// Enabled reports whether any channel is configured.
func (dm *DeliveryManager) Enabled() bool {
	return dm.webhookURL != "" || dm.publisher != nil
}

// Start runs the retry loop until ctx is done.
func (dm *DeliveryManager) Start(ctx context.Context) {
	go dm.processRetries(ctx)
}

// Wait blocks until in-flight deliveries finish.
func (dm *DeliveryManager) Wait() {
	dm.wg.Wait()
}

// DeliverResult queues a run result for delivery and returns the event id.
func (dm *DeliveryManager) DeliverResult(res *services.Result) (string, error) {
	if !dm.Enabled() {
		return "", nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sync result: %w", err)
	}
	event := &DeliveryEvent{
		Instance:  res.Instance,
		EventType: eventTypeFor(res),
		Payload:   data,
	}
	dm.DeliverEvent(event)
	return event.ID, nil
}

// DeliverEvent tracks event and starts its delivery in the background.
func (dm *DeliveryManager) DeliverEvent(event *DeliveryEvent) {
	event.CreatedAt = time.Now()
	event.Status = DeliveryStatusPending
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	dm.mu.Lock()
	dm.events[event.ID] = event
	event.inFlight = true
	dm.mu.Unlock()

	log.Info().
		Str("eventID", event.ID).
		Str("instance", event.Instance).
		Str("eventType", event.EventType).
		Msg("Starting parallel delivery")

	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		dm.processDelivery(event)
	}()
}

// processDelivery makes one attempt on every configured channel.
func (dm *DeliveryManager) processDelivery(event *DeliveryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), dm.timeout)
	defer cancel()

	body, err := json.Marshal(envelope(event))
	if err != nil {
		dm.finish(event, nil, err)
		return
	}

	var wg sync.WaitGroup
	results := make(chan DeliveryResult, 2)

	if dm.webhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToWebhook(ctx, event, body)
		}()
	}
	if dm.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- dm.deliverToRabbitMQ(ctx, event, body)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []DeliveryResult
	for result := range results {
		collected = append(collected, result)
		log.Debug().
			Str("eventID", event.ID).
			Str("channel", result.Channel).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Channel delivery result")
	}
	dm.finish(event, collected, nil)
}

func (dm *DeliveryManager) finish(event *DeliveryEvent, results []DeliveryResult, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	event.inFlight = false
	event.Results = results
	for _, r := range results {
		if !r.Success {
			err = fmt.Errorf("%s: %s", r.Channel, r.Error)
			break
		}
	}

	if err == nil {
		event.Status = DeliveryStatusDelivered
		event.LastError = ""
		delete(dm.events, event.ID)
		log.Info().
			Str("eventID", event.ID).
			Int("channelsDelivered", len(results)).
			Msg("Event successfully delivered to all channels")
		return
	}

	event.AttemptCount++
	event.LastError = err.Error()
	if event.AttemptCount >= dm.maxRetries {
		event.Status = DeliveryStatusFailed
		log.Error().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", event.LastError).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", event.ID).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", dm.maxRetries).
		Msg("Event delivery partially failed, will retry")
}

func envelope(event *DeliveryEvent) map[string]interface{} {
	return map[string]interface{}{
		"event":        event.EventType,
		"eventId":      event.ID,
		"instanceName": event.Instance,
		"result":       event.Payload,
	}
}

func (dm *DeliveryManager) deliverToWebhook(ctx context.Context, event *DeliveryEvent, body []byte) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "webhook", Timestamp: start}

	resp, err := dm.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(dm.webhookURL)
	result.Duration = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		result.Error = err.Error()
	case resp.IsError():
		result.Error = fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
	default:
		result.Success = true
	}

	if !result.Success {
		log.Error().
			Str("eventID", event.ID).
			Str("webhookURL", dm.webhookURL).
			Str("error", result.Error).
			Msg("Result webhook delivery failed")
	}
	return result
}

func (dm *DeliveryManager) deliverToRabbitMQ(ctx context.Context, event *DeliveryEvent, body []byte) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: "rabbitmq", Timestamp: start}

	if err := ctx.Err(); err != nil {
		result.Error = "Context timeout"
		result.Duration = time.Since(start).Milliseconds()
		return result
	}

	err := dm.publisher.Publish(ctx, event.EventType, body)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		log.Error().
			Err(err).
			Str("eventID", event.ID).
			Str("eventType", event.EventType).
			Msg("RabbitMQ delivery failed")
		return result
	}
	result.Success = true
	return result
}

func (dm *DeliveryManager) processRetries(ctx context.Context) {
	ticker := time.NewTicker(dm.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.retryFailedEvents()
		}
	}
}

// retryFailedEvents restarts every pending event that is not being delivered. It returns how many were restarted.
func (dm *DeliveryManager) retryFailedEvents() int {
	dm.mu.Lock()
	eventsToRetry := make([]*DeliveryEvent, 0)
	for _, event := range dm.events {
		if event.Status == DeliveryStatusPending && !event.inFlight &&
			event.AttemptCount < dm.maxRetries &&
			time.Since(event.CreatedAt) > dm.retryBackoff {
			event.inFlight = true
			eventsToRetry = append(eventsToRetry, event)
		}
	}
	dm.mu.Unlock()

	for _, event := range eventsToRetry {
		log.Info().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Msg("Retrying failed event delivery")
		dm.wg.Add(1)
		go func(e *DeliveryEvent) {
			defer dm.wg.Done()
			dm.processDelivery(e)
		}(event)
	}
	return len(eventsToRetry)
}

// Retry resets the attempts of one event and delivers it again.
func (dm *DeliveryManager) Retry(eventID string) bool {
	dm.mu.Lock()
	event, ok := dm.events[eventID]
	if !ok || event.inFlight {
		dm.mu.Unlock()
		return ok
	}
	event.AttemptCount = 0
	event.Status = DeliveryStatusPending
	event.inFlight = true
	dm.mu.Unlock()

	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		dm.processDelivery(event)
	}()
	return true
}

// GetPendingEventsCount returns the number of pending events
func (dm *DeliveryManager) GetPendingEventsCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	n := 0
	for _, e := range dm.events {
		if e.Status == DeliveryStatusPending {
			n++
		}
	}
	return n
}

// GetEventStatus returns a copy of a tracked event.
func (dm *DeliveryManager) GetEventStatus(eventID string) (DeliveryEvent, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	event, exists := dm.events[eventID]
	if !exists {
		return DeliveryEvent{}, false
	}
	return event.snapshot(), true
}

// ListEvents returns up to limit tracked events, oldest first, and the total matching instance.
func (dm *DeliveryManager) ListEvents(instance string, limit int) ([]DeliveryEvent, int) {
	dm.mu.RLock()
	matched := make([]DeliveryEvent, 0)
	for _, e := range dm.events {
		if instance == "" || e.Instance == instance {
			matched = append(matched, e.snapshot())
		}
	}
	dm.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	total := len(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total
}

func (e *DeliveryEvent) snapshot() DeliveryEvent {
	c := *e
	c.Results = append([]DeliveryResult(nil), e.Results...)
	return c
}
