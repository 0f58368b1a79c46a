package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pairchat/internal/models"
	"pairchat/internal/redis"
)

const historyCacheTTL = 30 * time.Minute

// historyCache keeps recent histories in redis so hot conversations
// skip the database. Best-effort: failures log and fall through.
type historyCache struct {
	client *redis.Client
}

// NewHistoryCache wraps a redis client; a nil client disables caching.
func NewHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

func historyKey(key models.ConversationKey) string {
	return fmt.Sprintf("conv:history:%s", key.String())
}

func (c *historyCache) get(ctx context.Context, key models.ConversationKey) ([]models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(key))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("history cache read failed: %v", err)
		}
		return nil, false
	}
	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		log.Printf("history cache decode failed: %v", err)
		return nil, false
	}
	return messages, true
}

func (c *historyCache) put(ctx context.Context, key models.ConversationKey, messages []models.Message) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		log.Printf("history cache encode failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, historyKey(key), raw, historyCacheTTL); err != nil {
		log.Printf("history cache write failed: %v", err)
	}
}

func (c *historyCache) invalidate(ctx context.Context, key models.ConversationKey) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, historyKey(key)); err != nil {
		log.Printf("history cache invalidate failed: %v", err)
	}
}
