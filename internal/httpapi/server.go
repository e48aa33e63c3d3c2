package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/scribe/internal/collab"
	"github.com/ent0n29/scribe/internal/config"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/protocol"
	"github.com/ent0n29/scribe/internal/session"
	"github.com/ent0n29/scribe/internal/upstream"
)

const (
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 2 << 20
	wsQueueSize    = 256
	wsNoticeBuffer = 8
)

// ErrShuttingDown is the cancellation cause for sessions ended by a server
// shutdown.
var ErrShuttingDown = errors.New("relay shutting down")

// Dialer opens the upstream side of a session.
type Dialer interface {
	Dial(ctx context.Context, model string) (session.Upstream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, model string) (session.Upstream, error)

func (f DialerFunc) Dial(ctx context.Context, model string) (session.Upstream, error) {
	return f(ctx, model)
}

// UpstreamDialer serves sessions from a realtime upstream dialer.
func UpstreamDialer(d *upstream.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, model string) (session.Upstream, error) {
		conn, err := d.Dial(ctx, model)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	dialer   Dialer
	collab   *collab.Engine
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, dialer Dialer, engine *collab.Engine, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		dialer:   dialer,
		collab:   engine,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the relay's own origin
				// unless APP_ALLOW_ANY_ORIGIN is set.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get(s.cfg.RelayPath, s.handleRelay)
	return r
}

// Shutdown asks every live session to close its client with a close frame.
func (s *Server) Shutdown() int {
	return s.sessions.CancelAll(ErrShuttingDown)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active":         s.sessions.ActiveCount(),
		"collab_backend": s.collabBackend(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.dialer == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "upstream dialer not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"realtime_models": s.cfg.RealtimeModels,
		"collab_backend":  s.collabBackend(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	respondJSON(w, http.StatusOK, session.ListResponse{
		Sessions:        list,
		Active:          len(list),
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleRelay upgrades a browser connection and bridges it to a fresh
// upstream realtime session.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := strings.TrimSpace(q.Get("model"))
	doc := strings.TrimSpace(q.Get("doc"))
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	logger := s.logger.With("session_id", sessionID, "model", model)
	s.metrics.SessionEvent("ws_connected")

	if doc != "" && !collab.ValidDocID(doc) {
		s.reject(conn, logger, protocol.NewError(protocol.CodeInvalidClientMessage, fmt.Sprintf("invalid doc %q", doc)))
		return
	}

	ctrl, err := session.NewController(session.Options{
		SessionID:           sessionID,
		Model:               model,
		Doc:                 doc,
		AllowedModels:       s.cfg.RealtimeModels,
		TranscriptionModels: s.cfg.TranscriptionModels,
		Settings: upstream.Settings{
			TranscriptionModel: s.cfg.TranscriptionModel,
			VAD: upstream.VADParams{
				Threshold:         s.cfg.VADThreshold,
				SilenceDurationMs: s.cfg.VADSilenceDurationMs,
				PrefixPaddingMs:   s.cfg.VADPrefixPaddingMs,
			},
			MaxResponseOutputTokens: s.cfg.MaxResponseOutputTokens,
		},
		Policy:   s.cfg.CommitPolicy,
		Registry: s.sessions,
		Metrics:  s.metrics,
		Collab:   s.collab,
		Logger:   s.logger,
	})
	if err != nil {
		s.metrics.SessionEvent("rejected_model")
		s.reject(conn, logger, protocol.NewError(protocol.CodeInvalidModel, err.Error()))
		return
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if _, err := s.sessions.Register(sessionID, ctrl.Model(), ctrl.Settings().TranscriptionModel, doc, cancel); err != nil {
		s.metrics.SessionEvent("rejected_in_use")
		s.reject(conn, logger, protocol.NewError(protocol.CodeSessionInUse, err.Error()))
		return
	}
	defer s.sessions.End(sessionID)

	dialStart := time.Now()
	up, err := s.dialer.Dial(ctx, model)
	if err != nil {
		code := protocol.CodeUpstreamUnavailable
		if errors.Is(err, upstream.ErrUnauthorized) {
			code = protocol.CodeUpstreamUnauthorized
		}
		s.metrics.UpstreamError(code)
		logger.Warn("upstream dial failed", "error", err)
		s.reject(conn, logger, protocol.NewError(code, "transcription service unavailable"))
		return
	}
	defer up.Close()
	s.metrics.ObserveStage(observability.StageConnectToReady, time.Since(dialStart))

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	err = s.bridge(ctx, conn, ctrl, up)
	switch {
	case err == nil:
		logger.Info("session ended")
	case errors.Is(err, session.ErrExpired):
		s.metrics.SessionEvent("expired")
		logger.Info("session expired")
	default:
		logger.Warn("session ended with error", "error", err)
	}
}

// bridge runs the controller with one reader and one writer goroutine. The
// controller is the only sender on outbound; the reader reports bad client
// frames on a separate notice queue so it never races the close of outbound.
func (s *Server) bridge(ctx context.Context, conn *websocket.Conn, ctrl *session.Controller, up session.Upstream) error {
	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	notices := make(chan any, wsNoticeBuffer)
	sessionID := ctrl.ID()

	var runErr error
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(outbound)
		runErr = ctrl.Run(gctx, up, inbound, outbound)
		_ = up.Close()
		return runErr
	})

	g.Go(func() error {
		defer conn.Close()
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					code, reason := closeCodeFor(runErr)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, reason),
						time.Now().Add(s.cfg.CloseGracePeriod))
					return nil
				}
				if err := s.write(conn, msg); err != nil {
					return err
				}
			case msg := <-notices:
				if err := s.write(conn, msg); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		defer close(inbound)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return nil
			}
			if msgType != websocket.TextMessage {
				continue
			}
			_ = s.sessions.Touch(sessionID)

			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				select {
				case notices <- protocol.NewError(protocol.CodeInvalidClientMessage, err.Error()):
				default:
					s.metrics.Tally("notice_dropped")
				}
				continue
			}
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessage("inbound", string(t))
			}
			select {
			case inbound <- parsed:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if runErr != nil {
		return runErr
	}
	return err
}

func (s *Server) write(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.SessionEvent("ws_write_error")
		return fmt.Errorf("write client message: %w", err)
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessage("outbound", string(t))
	}
	return nil
}

// reject reports a setup failure to the client and closes the connection
// without ever bridging it.
func (s *Server) reject(conn *websocket.Conn, logger *slog.Logger, msg protocol.Error) {
	logger.Info("session rejected", "code", msg.Code, "error", msg.Error)
	if err := s.write(conn, msg); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Code),
		time.Now().Add(s.cfg.CloseGracePeriod))
}

func closeCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, session.ErrExpired):
		return websocket.CloseGoingAway, protocol.CodeSessionExpired
	case errors.Is(err, session.ErrUpstreamClosed):
		return websocket.CloseInternalServerErr, protocol.CodeUpstreamClosed
	default:
		return websocket.CloseInternalServerErr, ""
	}
}

func (s *Server) collabBackend() string { return s.collab.Backend() }

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.AudioCommit:
		return m.Type, true
	case protocol.ClearAudioBuffer:
		return m.Type, true
	case protocol.SetPrompt:
		return m.Type, true
	case protocol.SetVADParams:
		return m.Type, true
	case protocol.SetTranscriptionModel:
		return m.Type, true
	case protocol.Ready:
		return m.Type, true
	case protocol.Transcription:
		return m.Type, true
	case protocol.TranscriptionError:
		return m.Type, true
	case protocol.SpeechStarted:
		return m.Type, true
	case protocol.SpeechStopped:
		return m.Type, true
	case protocol.Error:
		return m.Type, true
	default:
		return "", false
	}
}
