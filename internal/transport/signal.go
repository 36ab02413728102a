package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/chunker"
	"github.com/sidekick-bot/sidekick/internal/config"
)

// Signal bridges signal-cli (subprocess mode) or signal-cli-rest-api (rest
// mode) onto the bus. Group ids double as channel ids; individual chats use
// the sender's number.
type Signal struct {
	cfg    config.Signal
	chunk  config.Chunker
	bus    *bus.Bus
	log    *slog.Logger
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSignal builds the transport.
func NewSignal(cfg config.Signal, chunk config.Chunker, b *bus.Bus, log *slog.Logger) *Signal {
	return &Signal{
		cfg:    cfg,
		chunk:  chunk,
		bus:    b,
		log:    log,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Signal) Name() string { return "signal" }

// Start subscribes to outgoing messages and spawns the receive loop for the
// configured mode.
func (s *Signal) Start(ctx context.Context) error {
	s.bus.Subscribe(bus.KindMessageOutgoing, "signal", s.handleOutgoing)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if s.cfg.Mode == "rest" {
			s.pollREST(loopCtx)
		} else {
			s.pollCLI(loopCtx)
		}
	}()
	s.log.Info("signal transport started", "mode", s.cfg.Mode)
	return nil
}

// Stop cancels the receive loop and waits for it to exit.
func (s *Signal) Stop(_ context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.log.Info("signal transport stopped")
	return nil
}

// envelope mirrors the JSON emitted by signal-cli and the REST bridge.
type envelope struct {
	Envelope *envelopeBody `json:"envelope"`

	// Some emitters skip the wrapper.
	envelopeBody
}

type envelopeBody struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	DataMessage  *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Message   string `json:"message"`
	GroupInfo *struct {
		GroupID string `json:"groupId"`
	} `json:"groupInfo"`
	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
	} `json:"attachments"`
}

func (s *Signal) pollCLI(ctx context.Context) {
	for ctx.Err() == nil {
		cmd := exec.CommandContext(ctx, s.cfg.SignalCLIPath,
			"-a", s.cfg.PhoneNumber, "receive", "--json", "--timeout", "5")
		stdout, err := cmd.StdoutPipe()
		if err == nil {
			err = cmd.Start()
		}
		if err != nil {
			s.log.Error("signal-cli start failed", "path", s.cfg.SignalCLIPath, "err", err)
			sleepCtx(ctx, 30*time.Second)
			continue
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				s.log.Debug("signal-cli parse error", "line", line)
				continue
			}
			s.processEnvelope(&env)
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.log.Warn("signal-cli exited", "err", err)
			sleepCtx(ctx, 5*time.Second)
		}
	}
}

func (s *Signal) pollREST(ctx context.Context) {
	base := strings.TrimRight(s.cfg.RESTAPIURL, "/")
	url := fmt.Sprintf("%s/v1/receive/%s", base, s.cfg.PhoneNumber)

	for ctx.Err() == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("signal rest api unavailable", "err", err)
				sleepCtx(ctx, 10*time.Second)
			}
			continue
		}
		if resp.StatusCode == http.StatusOK {
			var envs []envelope
			if err := json.NewDecoder(resp.Body).Decode(&envs); err == nil {
				for i := range envs {
					s.processEnvelope(&envs[i])
				}
			}
		}
		resp.Body.Close()
		sleepCtx(ctx, time.Second)
	}
}

func (s *Signal) processEnvelope(env *envelope) {
	body := &env.envelopeBody
	if env.Envelope != nil {
		body = env.Envelope
	}
	if body.DataMessage == nil || body.DataMessage.Message == "" {
		return
	}

	sender := body.Source
	if sender == "" {
		sender = body.SourceNumber
	}
	groupID := ""
	if body.DataMessage.GroupInfo != nil {
		groupID = body.DataMessage.GroupInfo.GroupID
	}
	channel := groupID
	if channel == "" {
		channel = sender
	}

	attachments := make([]bus.Attachment, 0, len(body.DataMessage.Attachments))
	for _, a := range body.DataMessage.Attachments {
		attachments = append(attachments, bus.Attachment{Filename: a.Filename})
	}

	s.bus.Publish(bus.NewIncoming(&bus.IncomingMessage{
		Platform:    "signal",
		Channel:     channel,
		UserID:      sender,
		UserName:    sender,
		Content:     body.DataMessage.Message,
		GroupID:     groupID,
		Attachments: attachments,
	}))
}

func (s *Signal) handleOutgoing(ctx context.Context, ev bus.Event) error {
	msg := ev.Outgoing
	if msg == nil || msg.Platform != "signal" {
		return nil
	}
	return s.deliver(ctx, msg)
}

// deliver renders markdown to plain text, chunks it, and sends each piece.
// Channels not starting with "+" are treated as group ids.
func (s *Signal) deliver(ctx context.Context, msg *bus.OutgoingMessage) error {
	content := MarkdownToPlain(msg.Content)
	chunks := chunker.Chunk(content, s.chunk.SignalLimit, s.chunk.MinChunkSize)
	isGroup := !strings.HasPrefix(msg.Channel, "+")

	for i, chunk := range chunks {
		var err error
		if s.cfg.Mode == "rest" {
			err = s.sendREST(ctx, msg.Channel, chunk)
		} else {
			err = s.sendCLI(ctx, msg.Channel, chunk, isGroup)
		}
		if err != nil {
			return err
		}
		if len(chunks) > 1 && i < len(chunks)-1 && s.chunk.TypingDelay > 0 {
			sleepCtx(ctx, time.Duration(s.chunk.TypingDelay*float64(time.Second)))
		}
	}
	return nil
}

func (s *Signal) sendCLI(ctx context.Context, recipient, message string, isGroup bool) error {
	args := []string{"-a", s.cfg.PhoneNumber, "send", "-m", message}
	if isGroup {
		args = append(args, "--group-id", recipient)
	} else {
		args = append(args, recipient)
	}

	cmd := exec.CommandContext(ctx, s.cfg.SignalCLIPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		s.log.Error("signal-cli send failed", "err", err, "stderr", stderr.String())
		return fmt.Errorf("signal-cli send: %w", err)
	}
	return nil
}

func (s *Signal) sendREST(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(map[string]any{
		"message":    message,
		"number":     s.cfg.PhoneNumber,
		"recipients": []string{recipient},
	})
	if err != nil {
		return err
	}

	base := strings.TrimRight(s.cfg.RESTAPIURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal rest send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("signal rest send: status %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
