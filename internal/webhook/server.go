// Package webhook runs the HTTP ingress: per-endpoint POST routes with
// signature validation, payload normalization, and publication onto the
// event bus.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/config"
)

const maxBodyBytes = 1 << 20

// Server receives webhooks and publishes webhook.received events.
type Server struct {
	cfg  config.Webhooks
	bus  *bus.Bus
	log  *slog.Logger
	srv  *http.Server
	done chan struct{}
}

// NewServer builds the ingress from config.
func NewServer(cfg config.Webhooks, b *bus.Bus, log *slog.Logger) *Server {
	return &Server{cfg: cfg, bus: b, log: log, done: make(chan struct{})}
}

// Start binds the listener and serves in the background. Endpoints with no
// secret are flagged at startup since they will reject every request.
func (s *Server) Start() error {
	for _, ep := range s.cfg.Endpoints {
		if ep.Secret == "" {
			s.log.Warn("webhook endpoint has no secret configured, all requests will be rejected",
				"endpoint", ep.Name)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webhook server error", "err", err)
		}
	}()
	s.log.Info("webhook server started", "bind", s.cfg.Bind, "port", s.cfg.Port)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	s.log.Info("webhook server stopped")
	return err
}

// Handler exposes the route handler for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	ep := s.findEndpoint(r.URL.Path)
	if ep == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if !s.validate(ep, r, body) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	event := s.normalize(ep, r, payload)
	s.bus.Publish(bus.NewWebhookReceived(event))
	s.log.Info("webhook received",
		"source", event.Source, "event_type", event.EventType, "channel", event.Channel)

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *Server) findEndpoint(path string) *config.WebhookEndpoint {
	for i := range s.cfg.Endpoints {
		ep := &s.cfg.Endpoints[i]
		epPath := ep.Path
		if !strings.HasPrefix(epPath, "/") {
			epPath = "/" + epPath
		}
		if epPath == path {
			return ep
		}
	}
	return nil
}

func (s *Server) validate(ep *config.WebhookEndpoint, r *http.Request, body []byte) bool {
	name := strings.ToLower(ep.Name)
	switch {
	case strings.Contains(name, "github"):
		return ValidateGitHubSignature(body, r.Header.Get("X-Hub-Signature-256"), ep.Secret)
	case strings.Contains(name, "sentry"):
		return ValidateSentrySignature(body, r.Header.Get("Sentry-Hook-Signature"), ep.Secret)
	default:
		provided := r.Header.Get("X-Webhook-Secret")
		if provided == "" {
			provided = r.Header.Get("Authorization")
		}
		return ValidateGenericSecret(provided, ep.Secret)
	}
}

func (s *Server) normalize(ep *config.WebhookEndpoint, r *http.Request, payload map[string]any) *bus.WebhookReceived {
	name := strings.ToLower(ep.Name)
	var event *bus.WebhookReceived
	switch {
	case strings.Contains(name, "github"):
		eventType := r.Header.Get("X-GitHub-Event")
		if eventType == "" {
			eventType = "unknown"
		}
		event = NormalizeGitHub(eventType, payload, ep.Channel)
	case strings.Contains(name, "sentry"):
		event = NormalizeSentry(payload, ep.Channel)
	default:
		event = NormalizeGeneric(payload, ep.Channel)
	}
	event.Endpoint = ep.Name
	return event
}
