package client

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairchat/internal/client/cache"
	"pairchat/internal/models"
)

// Engine keeps one user/partner conversation consistent across the
// local cache, the pending queue, and the remote authoritative store.
// All exported methods are safe for concurrent use; internally the
// engine serializes state mutation behind a single mutex and uses
// generation tokens to discard work superseded by a reset.
//
// Callers are expected to issue SendMessage sequentially for a given
// conversation (one user action, one send); the engine does not
// serialize overlapping sends itself.
type Engine struct {
	key     models.ConversationKey
	partner *models.Partner

	store   ConversationStore
	replies ReplyService
	tokens  TokenSource
	cache   *cache.Conversations

	mu               sync.Mutex
	messages         []models.Message
	draft            string
	isReplying       bool
	isLoadingHistory bool
	loadErr          error
	loadDone         chan struct{}
	gen              int
	failed           map[string]models.Message
	syncInFlight     bool
}

// NewEngine wires an engine for one conversation. The partner is
// optional; without it reset cannot reseed an opening line.
func NewEngine(key models.ConversationKey, partner *models.Partner, store ConversationStore, replies ReplyService, tokens TokenSource, conversations *cache.Conversations) *Engine {
	if conversations == nil {
		conversations = cache.NewConversations(cache.NewMemoryStore())
	}
	return &Engine{
		key:     key,
		partner: partner,
		store:   store,
		replies: replies,
		tokens:  tokens,
		cache:   conversations,
		failed:  make(map[string]models.Message),
	}
}

// Key returns the conversation key the engine is bound to.
func (e *Engine) Key() models.ConversationKey {
	return e.key
}

// Messages returns a snapshot of the merged message list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make([]models.Message, len(e.messages))
	copy(snapshot, e.messages)
	return snapshot
}

// IsReplying reports whether a partner reply is being generated.
func (e *Engine) IsReplying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isReplying
}

// IsLoadingHistory reports whether a history load is in flight.
func (e *Engine) IsLoadingHistory() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLoadingHistory
}

// LoadHistoryError returns the error captured by the last failed load,
// or nil. A failed refresh never clears the displayed list.
func (e *Engine) LoadHistoryError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadErr
}

// Draft returns the user's unsent input text.
func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// SetDraft stores the user's unsent input text.
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
}

// FailedMessages lists messages deleted on send failure that are still
// eligible for manual retry, oldest first.
func (e *Engine) FailedMessages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, 0, len(e.failed))
	for _, m := range e.failed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LoadHistory reconciles cache, remote store, and pending queue into
// the displayed list. The cached history is surfaced immediately, the
// remote result then replaces it (remote is authoritative), and the
// pending queue is appended after. Overlapping calls collapse into a
// single remote fetch; concurrent callers wait for the shared outcome.
// Failures land in the load-error slot, never on the displayed list.
func (e *Engine) LoadHistory(ctx context.Context) {
	e.mu.Lock()
	if !e.key.Valid() {
		e.mu.Unlock()
		return
	}
	if done := e.loadDone; done != nil {
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.loadDone = done
	gen := e.gen
	e.isLoadingHistory = true
	e.loadErr = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if gen == e.gen {
			e.isLoadingHistory = false
		}
		e.loadDone = nil
		e.mu.Unlock()
		close(done)
	}()

	if cached := e.cache.ReadHistory(ctx, e.key); len(cached) > 0 {
		e.mu.Lock()
		if gen == e.gen {
			e.messages = cached
		}
		e.mu.Unlock()
	}

	remote, err := e.store.FetchHistory(ctx, e.key)
	if err != nil {
		e.mu.Lock()
		if gen == e.gen {
			e.loadErr = err
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if len(remote) > 0 {
		e.messages = remote
	}
	e.mu.Unlock()

	if len(remote) > 0 {
		if err := e.cache.WriteHistory(ctx, e.key, remote); err != nil {
			log.Printf("write history cache failed: %v", err)
		}
	}

	if pending := e.cache.ReadPending(ctx, e.key); len(pending) > 0 {
		e.mu.Lock()
		if gen == e.gen {
			e.messages = append(e.messages, pending...)
		}
		e.mu.Unlock()
	}
}

// SendMessage appends the text optimistically as a pending message,
// persists it to the pending queue, submits it to the remote store,
// and on success requests the partner's reply. On failure the message
// is deleted from list and queue, recorded for manual retry, and the
// error returned. Empty or whitespace-only text is a no-op.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if !e.key.Valid() {
		return nil
	}

	msg := models.Message{
		ID:        "msg-" + uuid.NewString(),
		Role:      models.RoleUser,
		Text:      trimmed,
		CreatedAt: time.Now().UTC(),
		State:     models.StatePending,
	}

	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()

	// The pending entry must be durable before the network call, so a
	// reload during an in-flight send still shows the message.
	if err := e.cache.EnqueuePending(ctx, e.key, msg); err != nil {
		log.Printf("enqueue pending message failed: %v", err)
	}

	return e.submit(ctx, msg)
}

// RetryFailedMessage resubmits a message previously deleted on send
// failure, reusing its original text and timestamp. Unknown ids are a
// no-op.
func (e *Engine) RetryFailedMessage(ctx context.Context, id string) error {
	e.mu.Lock()
	msg, ok := e.failed[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.failed, id)
	msg.State = models.StatePending
	e.messages = append(e.messages, msg)
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].CreatedAt.Before(e.messages[j].CreatedAt)
	})
	e.mu.Unlock()

	if err := e.cache.EnqueuePending(ctx, e.key, msg); err != nil {
		log.Printf("enqueue pending message failed: %v", err)
	}

	return e.submit(ctx, msg)
}

// submit is the shared send pipeline: token, remote append, confirm or
// delete, then reply request.
func (e *Engine) submit(ctx context.Context, msg models.Message) error {
	err := e.appendRemote(ctx, msg)
	if err != nil {
		e.deleteOptimistic(ctx, msg)
		return err
	}
	return e.RequestReply(ctx)
}

func (e *Engine) appendRemote(ctx context.Context, msg models.Message) error {
	e.setReplying(true)
	defer e.setReplying(false)

	token, err := e.tokens.CurrentIDToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch auth token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}

	result, err := e.store.AppendMessages(ctx, e.key, []models.Message{{
		ID:        msg.ID,
		Role:      msg.Role,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	}}, token)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == msg.ID {
			e.messages[i].State = models.StateSent
			break
		}
	}
	e.mu.Unlock()

	if err := e.cache.RemovePendingByID(ctx, e.key, msg.ID); err != nil {
		log.Printf("dequeue pending message failed: %v", err)
	}
	if result != nil && len(result.Messages) > 0 {
		if err := e.cache.WriteHistory(ctx, e.key, result.Messages); err != nil {
			log.Printf("write history cache failed: %v", err)
		}
	}
	return nil
}

// deleteOptimistic removes a failed message from the displayed list
// and the pending queue, keeping it around for manual retry. No
// automatic retry happens here.
func (e *Engine) deleteOptimistic(ctx context.Context, msg models.Message) {
	e.mu.Lock()
	next := e.messages[:0]
	for _, m := range e.messages {
		if m.ID != msg.ID {
			next = append(next, m)
		}
	}
	e.messages = next
	e.failed[msg.ID] = msg
	e.mu.Unlock()

	if err := e.cache.RemovePendingByID(ctx, e.key, msg.ID); err != nil {
		log.Printf("dequeue pending message failed: %v", err)
	}
}

// RequestReply asks the reply collaborator for the partner's next
// message and applies it to the list and cache. The replying flag is
// released on every exit path. Errors propagate to the caller and
// never remove the user's message.
func (e *Engine) RequestReply(ctx context.Context) error {
	if !e.key.Valid() {
		return nil
	}
	e.setReplying(true)
	defer e.setReplying(false)

	token, err := e.tokens.CurrentIDToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch auth token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}

	reply, err := e.replies.RequestReply(ctx, e.key, token)
	if err != nil {
		return fmt.Errorf("request reply: %w", err)
	}
	if reply == nil {
		return nil
	}

	if len(reply.Messages) > 0 {
		// Full history wins; unconfirmed entries stay at the tail.
		e.mu.Lock()
		var pendingTail []models.Message
		for _, m := range e.messages {
			if m.Pending() {
				pendingTail = append(pendingTail, m)
			}
		}
		e.messages = append(append([]models.Message{}, reply.Messages...), pendingTail...)
		e.mu.Unlock()
		if err := e.cache.WriteHistory(ctx, e.key, reply.Messages); err != nil {
			log.Printf("write history cache failed: %v", err)
		}
		return nil
	}

	if reply.Message != nil {
		aiMsg := *reply.Message
		if aiMsg.ID == "" {
			aiMsg.ID = "ai-" + uuid.NewString()
		}
		if aiMsg.Role == "" {
			aiMsg.Role = models.RolePartner
		}
		if aiMsg.CreatedAt.IsZero() {
			aiMsg.CreatedAt = time.Now().UTC()
		}
		e.mu.Lock()
		e.messages = append(e.messages, aiMsg)
		e.mu.Unlock()
		if err := e.cache.AppendHistory(ctx, e.key, aiMsg); err != nil {
			log.Printf("append history cache failed: %v", err)
		}
	}
	return nil
}

// SyncPending flushes the whole pending queue to the remote store in
// one batch. The caller decides when to invoke it (e.g. shortly after
// a load that surfaced pending entries). Overlapping calls are a
// no-op; a failed sync leaves the queue intact for the next attempt.
func (e *Engine) SyncPending(ctx context.Context) error {
	e.mu.Lock()
	if e.syncInFlight || !e.key.Valid() {
		e.mu.Unlock()
		return nil
	}
	e.syncInFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncInFlight = false
		e.mu.Unlock()
	}()

	pending := e.cache.ReadPending(ctx, e.key)
	if len(pending) == 0 {
		return nil
	}

	token, err := e.tokens.CurrentIDToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch auth token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}

	result, err := e.store.AppendMessages(ctx, e.key, pending, token)
	if err != nil {
		return fmt.Errorf("sync pending messages: %w", err)
	}

	ids := make(map[string]struct{}, len(pending))
	for _, m := range pending {
		ids[m.ID] = struct{}{}
	}
	e.mu.Lock()
	for i := range e.messages {
		if _, ok := ids[e.messages[i].ID]; ok {
			e.messages[i].State = models.StateSent
		}
	}
	if result != nil && len(result.Messages) > 0 {
		e.messages = append([]models.Message{}, result.Messages...)
	}
	e.mu.Unlock()

	if err := e.cache.ClearPending(ctx, e.key); err != nil {
		log.Printf("clear pending queue failed: %v", err)
	}
	if result != nil && len(result.Messages) > 0 {
		if err := e.cache.WriteHistory(ctx, e.key, result.Messages); err != nil {
			log.Printf("write history cache failed: %v", err)
		}
	}
	return nil
}

// ConfirmResetConversation clears the remote history, then purges the
// cache, pending queue, and draft, and reseeds the partner's opening
// line when one is configured. A remote failure aborts before any
// local state is touched.
func (e *Engine) ConfirmResetConversation(ctx context.Context) error {
	if !e.key.Valid() {
		return nil
	}

	token, err := e.tokens.CurrentIDToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch auth token: %w", err)
	}
	if token == "" {
		return ErrNoToken
	}
	if err := e.store.ResetConversation(ctx, e.key, token); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}

	e.mu.Lock()
	e.gen++ // discard any in-flight load
	e.messages = nil
	e.draft = ""
	e.loadErr = nil
	e.failed = make(map[string]models.Message)
	e.mu.Unlock()

	if err := e.cache.WriteHistory(ctx, e.key, nil); err != nil {
		log.Printf("clear history cache failed: %v", err)
	}
	if err := e.cache.ClearPending(ctx, e.key); err != nil {
		log.Printf("clear pending queue failed: %v", err)
	}

	e.seedFirstMessage(ctx)
	return nil
}

// seedFirstMessage prepends the partner's configured opening line when
// the list is empty or starts with something else, so a freshly reset
// conversation is never visually empty.
func (e *Engine) seedFirstMessage(ctx context.Context) {
	if e.partner == nil {
		return
	}
	opening := strings.TrimSpace(e.partner.FirstMessage)
	if opening == "" {
		return
	}

	e.mu.Lock()
	if len(e.messages) > 0 && e.messages[0].Text == opening {
		e.mu.Unlock()
		return
	}
	first := models.Message{
		ID:        "first-" + uuid.NewString(),
		Role:      models.RolePartner,
		Text:      opening,
		CreatedAt: time.Now().UTC(),
	}
	e.messages = append([]models.Message{first}, e.messages...)
	snapshot := make([]models.Message, len(e.messages))
	copy(snapshot, e.messages)
	e.mu.Unlock()

	if err := e.cache.WriteHistory(ctx, e.key, snapshot); err != nil {
		log.Printf("write history cache failed: %v", err)
	}
}

func (e *Engine) setReplying(v bool) {
	e.mu.Lock()
	e.isReplying = v
	e.mu.Unlock()
}
