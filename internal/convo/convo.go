// Package convo persists per-channel conversation history and retrieves it
// as a token-bounded message list, summarizing older turns when the budget
// is exceeded.
package convo

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/sidekick-bot/sidekick/internal/llm"
	"github.com/sidekick-bot/sidekick/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const summarizePrompt = "Summarize the following conversation history concisely. " +
	"Preserve key facts, decisions, and context that would be needed to continue the conversation. " +
	"Keep the summary under 500 words."

// Stats describes a channel's stored history.
type Stats struct {
	MessageCount int
	TotalChars   int64
}

// Store is the conversation history backed by a single sqlite file.
type Store struct {
	db               *sql.DB
	provider         llm.Provider
	maxMessages      int
	maxContextTokens int
	log              *slog.Logger
}

// Open opens (creating if needed) the conversation database. provider may be
// nil; retrieval then skips the token-budget pass.
func Open(path string, provider llm.Provider, maxMessages, maxContextTokens int, log *slog.Logger) (*Store, error) {
	db, err := store.Open(path, migrations)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &Store{
		db:               db,
		provider:         provider,
		maxMessages:      maxMessages,
		maxContextTokens: maxContextTokens,
		log:              log,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add appends one message to a channel's history.
func (s *Store) Add(ctx context.Context, platform, channel, userID, role, content string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (platform, channel, user_id, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		platform, channel, userID, role, content, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Context returns the last maxMessages turns for a channel, oldest first,
// reduced to fit the token budget.
func (s *Store) Context(ctx context.Context, platform, channel string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE platform = ? AND channel = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		platform, channel, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		newestFirst = append(newestFirst, llm.Text(role, content))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make([]llm.Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}

	if s.provider != nil && len(messages) > 0 {
		messages = s.fitToBudget(ctx, messages, platform, channel)
	}
	return messages, nil
}

func (s *Store) totalTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += s.provider.CountTokens(m.PlainText())
	}
	return total
}

// fitToBudget summarizes the oldest half into a single bracketed user
// message when the history exceeds the token budget, then trims from the
// front if still over. It never re-enters itself.
func (s *Store) fitToBudget(ctx context.Context, messages []llm.Message, platform, channel string) []llm.Message {
	if s.totalTokens(messages) <= s.maxContextTokens {
		return messages
	}

	split := len(messages) / 2
	old, recent := messages[:split], messages[split:]

	text := ""
	for _, m := range old {
		text += fmt.Sprintf("%s: %s\n", m.Role, m.PlainText())
	}

	resp, err := s.provider.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.Text(llm.RoleUser, summarizePrompt+"\n\n"+text)},
		MaxTokens:   1024,
		Temperature: llm.Float(0.3),
	})
	if err != nil {
		s.log.Error("context summarization failed", "err", err)
		messages = recent
	} else {
		summary := llm.Text(llm.RoleUser, fmt.Sprintf("[Previous conversation summary: %s]", resp.Content))
		messages = append([]llm.Message{summary}, recent...)
		s.log.Info("context summarized",
			"platform", platform, "channel", channel,
			"old_count", len(old), "new_token_count", s.totalTokens(messages))
	}

	for s.totalTokens(messages) > s.maxContextTokens && len(messages) > 1 {
		messages = messages[1:]
	}
	return messages
}

// Summarize produces a summary of the channel's full history. Returns ""
// when the channel has no history or no provider is configured.
func (s *Store) Summarize(ctx context.Context, platform, channel string) (string, error) {
	if s.provider == nil {
		return "", nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE platform = ? AND channel = ?
		 ORDER BY timestamp ASC, id ASC`,
		platform, channel)
	if err != nil {
		return "", fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	text := ""
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return "", err
		}
		text += fmt.Sprintf("%s: %s\n", role, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if text == "" {
		return "", nil
	}

	resp, err := s.provider.Complete(ctx, llm.Request{
		Messages:    []llm.Message{llm.Text(llm.RoleUser, summarizePrompt+"\n\n"+text)},
		MaxTokens:   1024,
		Temperature: llm.Float(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return resp.Content, nil
}

// Forget deletes a channel's history and returns the number of rows removed.
func (s *Store) Forget(ctx context.Context, platform, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE platform = ? AND channel = ?`,
		platform, channel)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports how much history a channel holds.
func (s *Store) Stats(ctx context.Context, platform, channel string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0)
		 FROM messages WHERE platform = ? AND channel = ?`,
		platform, channel).Scan(&st.MessageCount, &st.TotalChars)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}
