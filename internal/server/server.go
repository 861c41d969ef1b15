// Package server exposes the stream relay: the HTTP surface that lists
// conversation sessions, walks their trees, and re-emits agent converse
// chunks as server-sent events.
//
// Routes are declared on a [http.ServeMux] with method+path patterns. The
// whole surface is wrapped in the observe middleware, and the health and
// Prometheus scrape endpoints are mounted alongside the API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/reduck-ai/reduck/internal/agentbridge"
	"github.com/reduck-ai/reduck/internal/convstore"
	"github.com/reduck-ai/reduck/internal/health"
	"github.com/reduck-ai/reduck/internal/observe"
	"github.com/reduck-ai/reduck/pkg/convo"
	"github.com/reduck-ai/reduck/pkg/relay"
)

// shutdownTimeout bounds the graceful drain of in-flight requests. SSE
// streams past this deadline are cut.
const shutdownTimeout = 5 * time.Second

// Converser spawns one agent run and streams normalized chunks. Satisfied
// by [agentbridge.Bridge].
type Converser interface {
	Converse(ctx context.Context, instruction string, opts agentbridge.Options) (<-chan agentbridge.Chunk, error)
}

// AgentDefaults are the configured converse defaults. The scalar fields
// back-fill converse requests that leave them empty; the tool restrictions
// apply to every spawn regardless of the request.
type AgentDefaults struct {
	Model           string
	SystemPrompt    string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
}

// VoiceSettings are the configured voice-session knobs, served through
// /api/config so the client assembling the voice session (relay, TTS pump,
// keyword listeners) picks them up.
type VoiceSettings struct {
	Mode         relay.Mode `json:"mode"`
	StopWords    []string   `json:"stop_words,omitempty"`
	AcceptWords  []string   `json:"accept_words,omitempty"`
	RejectWords  []string   `json:"reject_words,omitempty"`
	TTSMinChars  int        `json:"tts_min_chars,omitempty"`
	TTSMaxWaitMs int64      `json:"tts_max_wait_ms,omitempty"`
	Voice        string     `json:"voice,omitempty"`
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithConfigDir sets the agent config directory reported by /api/config.
func WithConfigDir(dir string) Option { return func(s *Server) { s.configDir = dir } }

// WithProjectCwd sets the working directory for agent subprocesses,
// reported by /api/config.
func WithProjectCwd(cwd string) Option { return func(s *Server) { s.projectCwd = cwd } }

// WithAgentDefaults installs the configured converse defaults.
func WithAgentDefaults(d AgentDefaults) Option { return func(s *Server) { s.agentDefaults = d } }

// WithVoiceSettings publishes the voice-session configuration on
// /api/config.
func WithVoiceSettings(v VoiceSettings) Option { return func(s *Server) { s.voice = &v } }

// WithMetrics overrides the metrics instance, used by tests to avoid the
// global provider.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithHealth mounts the given health handler's probe routes.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// Server is the stream relay. It is stateless between requests: session
// state lives in the conversation logs and in each in-flight converse's
// request context.
type Server struct {
	store *convstore.Store
	agent Converser

	configDir     string
	projectCwd    string
	agentDefaults AgentDefaults
	voice         *VoiceSettings
	metrics       *observe.Metrics
	health        *health.Handler
}

// New creates a Server over the given conversation store and agent.
func New(store *convstore.Store, agent Converser, opts ...Option) *Server {
	s := &Server{store: store, agent: agent}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the full route table wrapped in the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/leaves", s.handleLeaves)
	mux.HandleFunc("GET /api/sessions/{id}/path", s.handlePath)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/converse", s.handleConverse)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return observe.Middleware(s.metrics)(mux)
}

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	return g.Wait()
}

// ─── JSON handlers ───────────────────────────────────────────────────────────

// configResponse is the body of GET /api/config.
type configResponse struct {
	ConfigDir  string         `json:"config_dir"`
	ProjectCwd string         `json:"project_cwd"`
	Voice      *VoiceSettings `json:"voice,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		ConfigDir:  s.configDir,
		ProjectCwd: s.projectCwd,
		Voice:      s.voice,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	if infos == nil {
		infos = []convstore.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	leaves, err := s.store.Leaves(id)
	if err != nil {
		writeStoreError(w, err, "session "+id+" not found")
		return
	}
	if leaves == nil {
		leaves = []convstore.LeafInfo{}
	}
	writeJSON(w, http.StatusOK, leaves)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	leaf := r.URL.Query().Get("leaf")
	entries, err := s.store.LoadPath(id, leaf)
	if err != nil {
		writeStoreError(w, err, fmt.Sprintf("path for session %s not found", id))
		return
	}

	messagesOnly := r.URL.Query().Get("filter") == "messages"
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if messagesOnly && e.Type != convo.EntryUser && e.Type != convo.EntryAssistant {
			continue
		}
		out = append(out, json.RawMessage(e.Raw))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.store.LoadMessages(id)
	if err != nil {
		writeStoreError(w, err, "session "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ─── Response helpers ────────────────────────────────────────────────────────

// errorResponse is the JSON error body shape shared by all endpoints.
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeStoreError maps convstore errors: ErrNotFound becomes a 404 with
// the given detail, anything else a 500.
func writeStoreError(w http.ResponseWriter, err error, notFoundDetail string) {
	if errors.Is(err, convstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundDetail)
		return
	}
	writeError(w, http.StatusInternalServerError, "reading conversation log failed")
}
