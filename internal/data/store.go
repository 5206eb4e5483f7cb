package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/session"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveSession inserts or replaces the session row.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, data, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			data = excluded.data,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
	`, sess.ID, sess.ConversationID, string(blob), sess.Metadata.MessageCount,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// LoadSession returns session.ErrNotFound for unknown ids.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeSession(blob)
}

// DeleteSession removes the session. Unknown ids are not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns sessions by last update, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	query := "SELECT data FROM sessions ORDER BY updated_at DESC, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSession(blob string) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal([]byte(blob), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// USAGE LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

// SaveUsage appends one usage record.
func (s *Store) SaveUsage(ctx context.Context, rec cost.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, conversation_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost, converted_cost, currency, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConversationID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens,
		rec.Cost, rec.ConvertedCost, rec.Currency, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("save usage %s: %w", rec.ID, err)
	}
	return nil
}

// ListUsage returns records created at or after since, oldest first. A zero
// since returns the whole ledger.
func (s *Store) ListUsage(ctx context.Context, since time.Time) ([]cost.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost, converted_cost, currency, created_at
		FROM usage_records
		WHERE created_at >= ?
		ORDER BY created_at, id
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		var created string
		if err := rows.Scan(
			&rec.ID, &rec.ConversationID, &rec.Provider, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CacheReadTokens, &rec.CacheWriteTokens,
			&rec.Cost, &rec.ConvertedCost, &rec.Currency, &created,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse usage time %q: %w", created, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// GetSetting returns the stored value and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
