package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sidekick-bot/sidekick/internal/bus"
	"github.com/sidekick-bot/sidekick/internal/chunker"
	"github.com/sidekick-bot/sidekick/internal/config"
)

// threadThreshold is the chunk count above which a guild reply moves into a
// thread.
const threadThreshold = 5

// Discord bridges the Discord gateway onto the bus. Only DMs and messages
// mentioning the bot are ingested.
type Discord struct {
	cfg     config.Discord
	chunk   config.Chunker
	bus     *bus.Bus
	log     *slog.Logger
	session *discordgo.Session
}

// NewDiscord builds the transport. The session is created here so handler
// registration precedes Open.
func NewDiscord(cfg config.Discord, chunk config.Chunker, b *bus.Bus, log *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d := &Discord{cfg: cfg, chunk: chunk, bus: b, log: log, session: session}
	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessage)
	return d, nil
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection and subscribes to outgoing messages.
func (d *Discord) Start(ctx context.Context) error {
	d.bus.Subscribe(bus.KindMessageOutgoing, "discord", d.handleOutgoing)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	return nil
}

// Stop closes the gateway connection.
func (d *Discord) Stop(_ context.Context) error {
	err := d.session.Close()
	d.log.Info("discord transport stopped")
	return err
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.log.Info("discord connected", "user", r.User.Username)
}

func (d *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if m.GuildID != "" && !d.guildAllowed(m.GuildID) {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentioned = true
			break
		}
	}
	if !isDM && !mentioned {
		return
	}

	content := m.Content
	content = strings.TrimSpace(strings.ReplaceAll(content, "<@"+s.State.User.ID+">", ""))
	content = strings.TrimSpace(strings.ReplaceAll(content, "<@!"+s.State.User.ID+">", ""))

	attachments := make([]bus.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, bus.Attachment{
			Filename: a.Filename,
			URL:      a.URL,
			Size:     int64(a.Size),
		})
	}

	userName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		userName = m.Member.Nick
	}

	d.bus.Publish(bus.NewIncoming(&bus.IncomingMessage{
		Platform:    "discord",
		Channel:     m.ChannelID,
		UserID:      m.Author.ID,
		UserName:    userName,
		Content:     content,
		MessageID:   m.ID,
		GuildID:     m.GuildID,
		Attachments: attachments,
	}))
}

func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.cfg.GuildIDs) == 0 {
		return true
	}
	id, err := strconv.ParseInt(guildID, 10, 64)
	if err != nil {
		return false
	}
	for _, allowed := range d.cfg.GuildIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

func (d *Discord) handleOutgoing(_ context.Context, ev bus.Event) error {
	msg := ev.Outgoing
	if msg == nil || msg.Platform != "discord" {
		return nil
	}
	return d.deliver(msg)
}

// deliver chunks the reply and sends it. The reply reference goes on the
// first chunk, embed and files on the last. Long guild replies move into a
// freshly created thread.
func (d *Discord) deliver(msg *bus.OutgoingMessage) error {
	chunks := chunker.Chunk(msg.Content, d.chunk.DiscordLimit, d.chunk.MinChunkSize)
	if len(chunks) == 0 {
		return nil
	}

	target := msg.Channel
	if len(chunks) > threadThreshold {
		if id, ok := d.startThread(msg.Channel, msg.Content); ok {
			target = id
		}
	}

	var reference *discordgo.MessageReference
	if msg.ReplyTo != "" && target == msg.Channel {
		reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.Channel}
	}

	embed := buildEmbed(msg.Embed)
	files := openFiles(msg.Files, d.log)
	defer closeFiles(files)

	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && reference != nil {
			send.Reference = reference
		}
		if i == len(chunks)-1 {
			send.Embed = embed
			for _, f := range files {
				send.Files = append(send.Files, f.file)
			}
		}

		if d.chunk.TypingDelay > 0 {
			if err := d.session.ChannelTyping(target); err == nil {
				time.Sleep(time.Duration(d.chunk.TypingDelay * float64(time.Second)))
			}
		}
		if _, err := d.session.ChannelMessageSendComplex(target, send); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// startThread creates a public thread for a long reply. Failures fall back
// to the original channel.
func (d *Discord) startThread(channelID, content string) (string, bool) {
	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		ch, err = d.session.Channel(channelID)
	}
	if err != nil || ch.Type != discordgo.ChannelTypeGuildText {
		return "", false
	}

	preview := content
	if len(preview) > 50 {
		preview = preview[:50] + "..."
	}
	thread, err := d.session.ThreadStart(channelID, "Response: "+preview, discordgo.ChannelTypeGuildPublicThread, 60)
	if err != nil {
		d.log.Warn("thread creation failed", "err", err)
		return "", false
	}
	return thread.ID, true
}

func buildEmbed(e *bus.Embed) *discordgo.MessageEmbed {
	if e == nil {
		return nil
	}
	color := e.Color
	if color == 0 {
		color = 0x5865F2
	}
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	return out
}

type openFile struct {
	handle *os.File
	file   *discordgo.File
}

func openFiles(paths []string, log *slog.Logger) []openFile {
	var out []openFile
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			log.Warn("attachment not found", "path", path)
			continue
		}
		out = append(out, openFile{
			handle: f,
			file:   &discordgo.File{Name: f.Name(), Reader: f},
		})
	}
	return out
}

func closeFiles(files []openFile) {
	for _, f := range files {
		f.handle.Close()
	}
}
