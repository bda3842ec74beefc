package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"chatsync/internal/models"
	"chatsync/internal/services"
)

type syncRunner interface {
	Run(ctx context.Context, req services.Request) (*services.Result, error)
}

type progressLoader interface {
	Load(ctx context.Context, instance string) (*models.ImportProgress, error)
}

type server struct {
	router     *mux.Router
	runner     syncRunner
	progress   progressLoader
	delivery   *DeliveryManager
	adminToken string
	results    *cache.Cache

	busyMu sync.Mutex
	busy   map[string]bool
}

// syncRequest is the optional body of POST /instances/{instance}/sync.
type syncRequest struct {
	Phase        string `json:"phase"`
	Offset       int    `json:"offset"`
	Pinned       bool   `json:"pinned"`
	Restart      bool   `json:"restart"`
	ForceAvatars bool   `json:"forceAvatars"`
}

func newServer(runner syncRunner, progress progressLoader, delivery *DeliveryManager, adminToken string) *server {
	s := &server{
		router:     mux.NewRouter(),
		runner:     runner,
		progress:   progress,
		delivery:   delivery,
		adminToken: adminToken,
		results:    cache.New(24*time.Hour, time.Hour),
		busy:       make(map[string]bool),
	}
	s.routes()
	return s
}

func (s *server) routes() {
	c := alice.New(s.logRequest, s.recoverer)
	authed := c.Append(s.authorize)

	s.router.Handle("/health", c.ThenFunc(s.Health())).Methods(http.MethodGet)

	s.router.Handle("/instances/{instance}/sync", authed.ThenFunc(s.TriggerSync())).Methods(http.MethodPost)
	s.router.Handle("/instances/{instance}/sync", authed.ThenFunc(s.SyncStatus())).Methods(http.MethodGet)

	s.router.Handle("/delivery/status", authed.ThenFunc(s.DeliveryStatus())).Methods(http.MethodGet)
	s.router.Handle("/delivery/events", authed.ThenFunc(s.DeliveryMetrics())).Methods(http.MethodGet)
	s.router.Handle("/delivery/events/{eventId}", authed.ThenFunc(s.EventStatus())).Methods(http.MethodGet)
	s.router.Handle("/delivery/retry", authed.ThenFunc(s.ForceRetry())).Methods(http.MethodPost)
	s.router.Handle("/delivery/retry/{eventId}", authed.ThenFunc(s.ForceRetry())).Methods(http.MethodPost)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authorize accepts the admin token in the Authorization or token header. An empty token disables the check.
func (s *server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			token := r.Header.Get("Authorization")
			if token == "" {
				token = r.Header.Get("token")
			}
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				s.Respond(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("url", r.URL.RequestURI()).
			Str("ip", r.RemoteAddr).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("Handler panicked")
				s.Respond(w, r, http.StatusInternalServerError, fmt.Errorf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// acquire marks instance busy. It reports false when an invocation is already running.
func (s *server) acquire(instance string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy[instance] {
		return false
	}
	s.busy[instance] = true
	return true
}

func (s *server) release(instance string) {
	s.busyMu.Lock()
	delete(s.busy, instance)
	s.busyMu.Unlock()
}

// TriggerSync runs one invocation for the instance and answers with the result JSON.
func (s *server) TriggerSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instance := mux.Vars(r)["instance"]

		var body syncRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("could not decode request body: %w", err))
			return
		}
		req := services.Request{
			Instance:     instance,
			Phase:        services.Phase(body.Phase),
			Offset:       body.Offset,
			Pinned:       body.Pinned,
			Restart:      body.Restart,
			ForceAvatars: body.ForceAvatars,
		}

		if !s.acquire(instance) {
			s.respondWithJSON(w, http.StatusConflict, &services.Result{
				Instance: instance,
				Phase:    req.Phase,
				Error:    "a sync invocation is already running for this instance",
				Stats:    services.Stats{Errors: []services.ItemError{}},
			})
			return
		}
		defer s.release(instance)

		res, err := s.runner.Run(r.Context(), req)
		if res == nil {
			res = &services.Result{Instance: instance, Phase: req.Phase, Stats: services.Stats{Errors: []services.ItemError{}}}
			if err != nil {
				res.Error = err.Error()
			}
		}
		s.results.Set(instance, res, cache.DefaultExpiration)

		if s.delivery != nil {
			if _, derr := s.delivery.DeliverResult(res); derr != nil {
				log.Error().Err(derr).Str("instance", instance).Msg("Could not queue result delivery")
			}
		}

		s.respondWithJSON(w, statusForError(err), res)
	}
}

// SyncStatus returns the last cached result and the stored progress of an instance.
func (s *server) SyncStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instance := mux.Vars(r)["instance"]

		status := map[string]interface{}{
			"instance": instance,
			"running":  s.isBusy(instance),
		}
		if last, ok := s.results.Get(instance); ok {
			status["lastResult"] = last
		}
		if s.progress != nil {
			p, err := s.progress.Load(r.Context(), instance)
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, err)
				return
			}
			if p != nil {
				status["progress"] = map[string]interface{}{
					"phase":     p.Phase,
					"offset":    p.Offset,
					"pinned":    p.Pinned,
					"startedAt": p.StartedAt,
					"updatedAt": p.UpdatedAt,
				}
			}
		}
		s.Respond(w, r, http.StatusOK, status)
	}
}

func (s *server) isBusy(instance string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[instance]
}
