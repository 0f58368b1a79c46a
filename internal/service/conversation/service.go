// Package conversation is the authoritative server-side message store
// for user/partner conversations.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pairchat/internal/models"
)

// Service persists conversation histories, fronted by an optional
// redis hot cache for recent histories.
type Service struct {
	db    *sql.DB
	cache *historyCache
}

// NewService builds a conversation service. The redis cache may be nil.
func NewService(db *sql.DB, cache *historyCache) *Service {
	return &Service{db: db, cache: cache}
}

// History returns the full ordered history for the key.
func (s *Service) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	if !key.Valid() {
		return nil, errors.New("user and partner ids are required")
	}

	if cached, ok := s.cache.get(ctx, key); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, text, created_at FROM conversation_messages
		 WHERE user_id = ? AND partner_id = ? ORDER BY created_at ASC, id ASC`,
		key.UserID, key.PartnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cache.put(ctx, key, messages)
	return messages, nil
}

// Append validates and stores messages, returning the entries actually
// written and the updated full history.
func (s *Service) Append(ctx context.Context, key models.ConversationKey, messages []models.Message) ([]models.Message, []models.Message, error) {
	if !key.Valid() {
		return nil, nil, errors.New("user and partner ids are required")
	}

	appended := make([]models.Message, 0, len(messages))
	now := time.Now().UTC()
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if m.Role != models.RoleUser && m.Role != models.RolePartner {
			return nil, nil, fmt.Errorf("unsupported role: %s", m.Role)
		}
		if m.ID == "" {
			m.ID = "srv-" + uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.Text = text
		m.State = ""
		appended = append(appended, m)
	}
	if len(appended) == 0 {
		return nil, nil, errors.New("at least one non-empty message is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, m := range appended {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (message_id, user_id, partner_id, role, text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, key.UserID, key.PartnerID, m.Role, m.Text, m.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("insert message: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit append: %w", err)
	}

	s.cache.invalidate(ctx, key)
	history, err := s.History(ctx, key)
	if err != nil {
		return appended, nil, err
	}
	return appended, history, nil
}

// Reset removes every message for the key.
func (s *Service) Reset(ctx context.Context, key models.ConversationKey) error {
	if !key.Valid() {
		return errors.New("user and partner ids are required")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE user_id = ? AND partner_id = ?`,
		key.UserID, key.PartnerID,
	); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	s.cache.invalidate(ctx, key)
	return nil
}
