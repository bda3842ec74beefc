package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

var errDeliveryDisabled = errors.New("result delivery is not configured")

// DeliveryStatus endpoint to check delivery manager status
func (s *server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, errDeliveryDisabled)
			return
		}

		status := map[string]interface{}{
			"status":           "running",
			"pending_events":   s.delivery.GetPendingEventsCount(),
			"webhook":          s.delivery.webhookURL != "",
			"rabbitmq":         s.delivery.publisher != nil,
			"max_retries":      s.delivery.maxRetries,
			"timeout_ms":       s.delivery.timeout.Milliseconds(),
			"retry_backoff_ms": s.delivery.retryBackoff.Milliseconds(),
		}
		s.Respond(w, r, http.StatusOK, status)
	}
}

// EventStatus endpoint to check specific event status
func (s *server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, errDeliveryDisabled)
			return
		}

		eventID := mux.Vars(r)["eventId"]
		event, exists := s.delivery.GetEventStatus(eventID)
		if !exists {
			s.Respond(w, r, http.StatusNotFound, "Event not found or already delivered")
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// DeliveryMetrics lists tracked events, optionally filtered by ?instance= and capped by ?limit=.
func (s *server) DeliveryMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, errDeliveryDisabled)
			return
		}

		instance := r.URL.Query().Get("instance")
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		events, total := s.delivery.ListEvents(instance, limit)
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"total_pending":  s.delivery.GetPendingEventsCount(),
			"filtered_count": total,
			"shown_count":    len(events),
			"events":         events,
		})
	}
}

// ForceRetry retries one event, or every pending event when no id is given.
func (s *server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, errDeliveryDisabled)
			return
		}

		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			n := s.delivery.retryFailedEvents()
			s.Respond(w, r, http.StatusOK, map[string]int{"retried": n})
			return
		}

		if !s.delivery.Retry(eventID) {
			s.Respond(w, r, http.StatusNotFound, "Event not found")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"retried": eventID})
	}
}
