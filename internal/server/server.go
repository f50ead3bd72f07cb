// Package server is the HTTP surface of the node: record queries,
// publishing, the record-update websocket and the operational
// endpoints.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/events"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/publish"
	"github.com/openindex/oipd/internal/query"
	"github.com/openindex/oipd/internal/syncer"
)

// Header names carrying the caller's identity. Unauthenticated callers
// simply omit them and see only public records.
const (
	headerPubKey = "X-Pub-Key"
	headerDomain = "X-Caller-Domain"
)

// Config configures the HTTP listener.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wires the HTTP routes to the node's components.
type Server struct {
	cfg       Config
	engine    *query.Engine
	publisher *publish.Publisher
	sync      *syncer.Engine
	hub       *events.Hub
	log       zerolog.Logger
}

// New creates the server.
func New(cfg Config, engine *query.Engine, publisher *publish.Publisher, sync *syncer.Engine, hub *events.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		sync:      sync,
		hub:       hub,
		log:       log.With().Str("component", "server").Logger(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/records", s.handleRecords).Methods(http.MethodGet)
	r.HandleFunc("/api/records/{did}", s.handleRecord).Methods(http.MethodGet)
	r.HandleFunc("/api/records/{did}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/api/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/api/publish/signed", s.handlePublishSigned).Methods(http.MethodPost)
	r.HandleFunc("/api/decrypt", s.handleDecrypt).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then drains with the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func principalFrom(r *http.Request) *query.Principal {
	return &query.Principal{
		PubKey: r.Header.Get(headerPubKey),
		Domain: r.Header.Get(headerDomain),
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.engine.Query(r.Context(), q, principalFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	q, err := query.ParseQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	q.DID = did
	q.Limit = 1
	resp, err := s.engine.Query(r.Context(), q, principalFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A record the caller may not see answers exactly like one that
	// does not exist.
	if len(resp.Records) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, resp.Records[0])
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publish.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, oip.E(oip.KindBadRequest, "server.publish", err))
		return
	}
	receipt, err := s.publisher.Publish(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

// handlePublishSigned relays a submission the client signed itself.
func (s *Server) handlePublishSigned(w http.ResponseWriter, r *http.Request) {
	var sub publish.SignedSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, oip.E(oip.KindBadRequest, "server.publishSigned", err))
		return
	}
	receipt, err := s.publisher.PublishSigned(r.Context(), &sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.publisher.Delete(r.Context(), mux.Vars(r)["did"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleDecrypt accepts an owner's envelope key and drains that
// owner's queued encrypted records into the index.
func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerPubKey string `json:"ownerPubKey"`
		Key         string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, oip.E(oip.KindBadRequest, "server.decrypt", err))
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil || req.OwnerPubKey == "" || len(key) == 0 {
		s.writeError(w, oip.E(oip.KindBadRequest, "server.decrypt", "ownerPubKey and base64 key are required"))
		return
	}
	drained, err := s.sync.DrainOwner(r.Context(), req.OwnerPubKey, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"drained": drained})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

// writeError maps error kinds to HTTP statuses. Access denials answer
// like invalid input so existence is never leaked.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch oip.KindOf(err) {
	case oip.KindBadRequest, oip.KindTypeMismatch, oip.KindUnknownField, oip.KindUnknownTemplate:
		status = http.StatusBadRequest
	case oip.KindInvalidSignature, oip.KindAccessDenied:
		status = http.StatusForbidden
	case oip.KindTransientIO:
		status = http.StatusServiceUnavailable
	}
	var oe *oip.Error
	msg := "internal error"
	if errors.As(err, &oe) {
		msg = oe.Error()
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}
