package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []*bus.WebhookReceived
}

func (c *collector) handler(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Webhook)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestServer(t *testing.T, endpoints ...config.WebhookEndpoint) (*httptest.Server, *collector, *bus.Bus) {
	t.Helper()
	b := bus.New(discard())
	c := &collector{}
	b.Subscribe(bus.KindWebhookReceived, "collector", c.handler)
	b.Start()
	t.Cleanup(b.Stop)

	s := NewServer(config.Webhooks{Endpoints: endpoints}, b, discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, c, b
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func waitEvents(t *testing.T, c *collector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", n, c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGitHubSignedDelivery(t *testing.T) {
	ts, c, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "github", Path: "/hooks/github", Secret: "s3cret", Channel: "ops",
	})

	body := []byte(`{"repository":{"full_name":"acme/api"},"ref":"refs/heads/main","pusher":{"name":"alice"},"commits":[{},{}]}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign("s3cret", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitEvents(t, c, 1)
	ev := c.events[0]
	if ev.Source != "github" || ev.EventType != "push" || ev.Channel != "ops" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Summary != "alice pushed 2 commit(s) to acme/api/main" {
		t.Fatalf("summary = %q", ev.Summary)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	ts, c, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "github", Path: "/hooks/github", Secret: "s3cret",
	})

	body := []byte(`{}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/github", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign("wrong", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	time.Sleep(20 * time.Millisecond)
	if c.count() != 0 {
		t.Fatal("rejected request must publish nothing")
	}
}

func TestNoSecretRejectsEverything(t *testing.T) {
	ts, _, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "generic", Path: "/hooks/x", Secret: "",
	})

	resp, err := http.Post(ts.URL+"/hooks/x", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestBadJSON(t *testing.T) {
	ts, _, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "generic", Path: "/hooks/x", Secret: "s",
	})

	resp, err := http.Post(ts.URL+"/hooks/x", "application/json", strings.NewReader(`{nope`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "generic", Path: "/hooks/x", Secret: "s",
	})

	resp, err := http.Post(ts.URL+"/other", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGenericSecretHeader(t *testing.T) {
	ts, c, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "alerts", Path: "/hooks/alerts", Secret: "tok", Channel: "chan",
	})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/alerts",
		strings.NewReader(`{"summary":"disk almost full","event_type":"disk"}`))
	req.Header.Set("X-Webhook-Secret", "tok")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitEvents(t, c, 1)
	ev := c.events[0]
	if ev.Source != "generic" || ev.EventType != "disk" || ev.Summary != "disk almost full" {
		t.Fatalf("event = %+v", ev)
	}
	// The configured endpoint name rides along so consumers can look up
	// per-endpoint settings without re-deriving them from the source tag.
	if ev.Endpoint != "alerts" {
		t.Fatalf("endpoint = %q", ev.Endpoint)
	}
}

func TestSentrySignedDelivery(t *testing.T) {
	ts, c, _ := newTestServer(t, config.WebhookEndpoint{
		Name: "sentry", Path: "/hooks/sentry", Secret: "sk", Channel: "errors",
	})

	body := []byte(`{"project_name":"api","data":{"event":{"title":"NilPointer","level":"error"}}}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hooks/sentry", strings.NewReader(string(body)))
	req.Header.Set("Sentry-Hook-Signature", sign("sk", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	waitEvents(t, c, 1)
	if c.events[0].Summary != "[error] api: NilPointer" {
		t.Fatalf("summary = %q", c.events[0].Summary)
	}
}

func TestValidateHelpers(t *testing.T) {
	body := []byte("payload")
	if ValidateGitHubSignature(body, "sha256="+sign("k", body), "") {
		t.Fatal("empty secret must fail")
	}
	if !ValidateGitHubSignature(body, "sha256="+sign("k", body), "k") {
		t.Fatal("valid github signature rejected")
	}
	if !ValidateSentrySignature(body, sign("k", body), "k") {
		t.Fatal("valid sentry signature rejected")
	}
	if ValidateGenericSecret("", "k") || ValidateGenericSecret("k", "") {
		t.Fatal("empty values must fail")
	}
	if !ValidateGenericSecret("k", "k") {
		t.Fatal("matching secret rejected")
	}
}
