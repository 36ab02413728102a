package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies events on the bus. The bus dispatches by kind only.
type Kind string

const (
	KindMessageIncoming  Kind = "message.incoming"
	KindMessageOutgoing  Kind = "message.outgoing"
	KindSchedulerTrigger Kind = "scheduler.trigger"
	KindWebhookReceived  Kind = "webhook.received"
)

// Attachment describes a file attached to an incoming message.
type Attachment struct {
	Filename string
	URL      string
	Size     int64
}

// IncomingMessage is the normalized envelope every transport publishes,
// regardless of platform.
type IncomingMessage struct {
	Platform    string
	Channel     string
	UserID      string
	UserName    string
	Content     string
	MessageID   string
	GroupID     string
	GuildID     string
	Attachments []Attachment
}

// Embed is an optional rich-content block for platforms that support it.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
}

// EmbedField is a single name/value pair within an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// OutgoingMessage is the envelope the pipeline publishes for transports to
// deliver.
type OutgoingMessage struct {
	Platform string
	Channel  string
	Content  string
	ReplyTo  string
	Embed    *Embed
	Files    []string
}

// SchedulerTrigger carries a fired cron job.
type SchedulerTrigger struct {
	JobID    int64
	JobName  string
	CronExpr string
	Action   string
}

// WebhookReceived carries a validated, normalized webhook event. Endpoint
// is the configured endpoint name the request arrived on; Source is the
// payload family (github, sentry, generic).
type WebhookReceived struct {
	Endpoint  string
	Source    string
	EventType string
	Summary   string
	Payload   map[string]any
	Channel   string
}

// Event is a tagged record. Exactly one payload pointer is non-nil,
// matching Kind.
type Event struct {
	Kind      Kind
	ID        string
	CreatedAt time.Time

	Incoming  *IncomingMessage
	Outgoing  *OutgoingMessage
	Scheduler *SchedulerTrigger
	Webhook   *WebhookReceived
}

func newEvent(kind Kind) Event {
	return Event{
		Kind:      kind,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// NewIncoming wraps an IncomingMessage in an Event.
func NewIncoming(m *IncomingMessage) Event {
	e := newEvent(KindMessageIncoming)
	e.Incoming = m
	return e
}

// NewOutgoing wraps an OutgoingMessage in an Event.
func NewOutgoing(m *OutgoingMessage) Event {
	e := newEvent(KindMessageOutgoing)
	e.Outgoing = m
	return e
}

// NewSchedulerTrigger wraps a SchedulerTrigger in an Event.
func NewSchedulerTrigger(t *SchedulerTrigger) Event {
	e := newEvent(KindSchedulerTrigger)
	e.Scheduler = t
	return e
}

// NewWebhookReceived wraps a WebhookReceived in an Event.
func NewWebhookReceived(w *WebhookReceived) Event {
	e := newEvent(KindWebhookReceived)
	e.Webhook = w
	return e
}
