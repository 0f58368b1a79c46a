// Package cache is the client-side local cache store: key-value
// persistence of conversation histories and pending (unconfirmed)
// messages, scoped by conversation key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"pairchat/internal/models"
)

// MaxCachedMessages bounds how much history is kept per conversation.
const MaxCachedMessages = 200

// ErrNotFound is returned by stores for absent keys.
var ErrNotFound = errors.New("cache: key not found")

// Store is raw key-value persistence. Implementations: sqlite file
// store, in-memory map, redis.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Conversations layers the conversation cache protocol over a Store:
// one history slot and one pending queue per conversation key. Reads
// degrade to empty lists; a stale or corrupt cache must never surface
// as an error to the UI.
type Conversations struct {
	store Store
}

func NewConversations(store Store) *Conversations {
	return &Conversations{store: store}
}

const (
	historyPrefix = "history"
	pendingPrefix = "pending"
)

func buildKey(prefix string, key models.ConversationKey) string {
	return prefix + "::" + strings.TrimSpace(key.UserID) + "::" + strings.TrimSpace(key.PartnerID)
}

func (c *Conversations) readList(ctx context.Context, storeKey string) []models.Message {
	raw, err := c.store.Get(ctx, storeKey)
	if err != nil || len(raw) == 0 {
		return nil
	}
	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil
	}
	return messages
}

func (c *Conversations) writeList(ctx context.Context, storeKey string, messages []models.Message) error {
	if len(messages) == 0 {
		return c.store.Delete(ctx, storeKey)
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storeKey, raw)
}

func clipMessages(messages []models.Message) []models.Message {
	if len(messages) <= MaxCachedMessages {
		return messages
	}
	return messages[len(messages)-MaxCachedMessages:]
}

// ReadHistory returns the cached confirmed history for the key.
func (c *Conversations) ReadHistory(ctx context.Context, key models.ConversationKey) []models.Message {
	if !key.Valid() {
		return nil
	}
	return c.readList(ctx, buildKey(historyPrefix, key))
}

// WriteHistory replaces the cached history, keeping the newest entries.
func (c *Conversations) WriteHistory(ctx context.Context, key models.ConversationKey, messages []models.Message) error {
	if !key.Valid() {
		return nil
	}
	return c.writeList(ctx, buildKey(historyPrefix, key), clipMessages(messages))
}

// AppendHistory adds messages to the end of the cached history.
func (c *Conversations) AppendHistory(ctx context.Context, key models.ConversationKey, messages ...models.Message) error {
	if !key.Valid() || len(messages) == 0 {
		return nil
	}
	existing := c.ReadHistory(ctx, key)
	return c.WriteHistory(ctx, key, append(existing, messages...))
}

// ReadPending returns the not-yet-confirmed messages for the key.
func (c *Conversations) ReadPending(ctx context.Context, key models.ConversationKey) []models.Message {
	if !key.Valid() {
		return nil
	}
	return c.readList(ctx, buildKey(pendingPrefix, key))
}

// EnqueuePending adds messages to the pending queue, deduplicated by id.
func (c *Conversations) EnqueuePending(ctx context.Context, key models.ConversationKey, messages ...models.Message) error {
	if !key.Valid() || len(messages) == 0 {
		return nil
	}
	next := uniqueByID(append(c.ReadPending(ctx, key), messages...))
	return c.writeList(ctx, buildKey(pendingPrefix, key), clipMessages(next))
}

// RemovePendingByID drops the listed ids from the pending queue.
func (c *Conversations) RemovePendingByID(ctx context.Context, key models.ConversationKey, ids ...string) error {
	if !key.Valid() || len(ids) == 0 {
		return nil
	}
	current := c.ReadPending(ctx, key)
	if len(current) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	next := current[:0]
	for _, m := range current {
		if _, ok := drop[m.ID]; !ok {
			next = append(next, m)
		}
	}
	return c.writeList(ctx, buildKey(pendingPrefix, key), next)
}

// ClearPending empties the pending queue for the key.
func (c *Conversations) ClearPending(ctx context.Context, key models.ConversationKey) error {
	if !key.Valid() {
		return nil
	}
	return c.store.Delete(ctx, buildKey(pendingPrefix, key))
}

func uniqueByID(messages []models.Message) []models.Message {
	seen := make(map[string]int, len(messages))
	result := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" {
			continue
		}
		if idx, ok := seen[m.ID]; ok {
			result[idx] = m
			continue
		}
		seen[m.ID] = len(result)
		result = append(result, m)
	}
	return result
}
