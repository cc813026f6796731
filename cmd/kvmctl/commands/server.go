// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	kvm "github.com/tenthirtyam/go-kvm"
	"github.com/tenthirtyam/go-kvm/metrics/prometheus"
	"github.com/tenthirtyam/go-kvm/relay"
)

// statusServer exposes /metrics, /events and /healthz for a running session.
type statusServer struct {
	srv     *http.Server
	logger  kvm.Logger
	session atomic.Pointer[kvm.Session]
}

// newRouter builds the HTTP routes. session returns the current session, or
// nil before one is attached.
func newRouter(collector *prometheus.Collector, hub *relay.EventHub, session func() *kvm.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", collector.Handler())
	r.Handle("/events", hub)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		s := session()
		if s == nil {
			http.Error(w, "no session", http.StatusServiceUnavailable)
			return
		}
		select {
		case <-s.Done():
			http.Error(w, "session closed: "+s.CloseReason(), http.StatusServiceUnavailable)
			return
		default:
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok %s\n", s.Stage())
	})
	return r
}

func newStatusServer(port int, collector *prometheus.Collector, hub *relay.EventHub, logger kvm.Logger) *statusServer {
	s := &statusServer{logger: logger}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           newRouter(collector, hub, s.session.Load),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Attach sets the session reported by /healthz.
func (s *statusServer) Attach(session *kvm.Session) {
	s.session.Store(session)
}

// Start listens in the background.
func (s *statusServer) Start() {
	go func() {
		s.logger.Info("Status server listening", kvm.Field{Key: "addr", Value: s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", kvm.Field{Key: "error", Value: err})
		}
	}()
}

// Shutdown stops the server.
func (s *statusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
