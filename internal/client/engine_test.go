package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pairchat/internal/client/cache"
	"pairchat/internal/models"
)

var engineKey = models.ConversationKey{UserID: "u1", PartnerID: "p1"}

type fakeStore struct {
	mu         sync.Mutex
	history    []models.Message
	fetchCalls int
	fetchErr   error
	fetchGate  chan struct{} // when set, FetchHistory blocks until closed
	appendErr  error
	appends    [][]models.Message
	resetCalls int
	resetErr   error
}

func (f *fakeStore) FetchHistory(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	f.mu.Lock()
	f.fetchCalls++
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]models.Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeStore) AppendMessages(ctx context.Context, key models.ConversationKey, messages []models.Message, token string) (*AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appends = append(f.appends, messages)
	for _, m := range messages {
		m.State = "" // stored messages are confirmed
		f.history = append(f.history, m)
	}
	out := make([]models.Message, len(f.history))
	copy(out, f.history)
	return &AppendResult{Appended: messages, Messages: out}, nil
}

func (f *fakeStore) ResetConversation(ctx context.Context, key models.ConversationKey, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	if f.resetErr != nil {
		return f.resetErr
	}
	f.history = nil
	return nil
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeReplies struct {
	mu     sync.Mutex
	result *ReplyResult
	err    error
	calls  int
}

func (f *fakeReplies) RequestReply(ctx context.Context, key models.ConversationKey, token string) (*ReplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func serverMsg(id, text string, role models.Role) models.Message {
	return models.Message{ID: id, Role: role, Text: text, CreatedAt: time.Now().UTC()}
}

func newTestEngine(store *fakeStore, replies *fakeReplies, partner *models.Partner) (*Engine, *cache.Conversations) {
	conversations := cache.NewConversations(cache.NewMemoryStore())
	if replies == nil {
		replies = &fakeReplies{}
	}
	return NewEngine(engineKey, partner, store, replies, StaticTokenSource("tok"), conversations), conversations
}

func TestLoadHistoryRemoteReplacesCache(t *testing.T) {
	store := &fakeStore{history: []models.Message{
		serverMsg("m1", "hello", models.RoleUser),
		serverMsg("m2", "hi there", models.RolePartner),
	}}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	if err := conversations.WriteHistory(ctx, engineKey, []models.Message{serverMsg("stale", "old", models.RoleUser)}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	e.LoadHistory(ctx)

	got := e.Messages()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("remote history not applied: %+v", got)
	}
	if err := e.LoadHistoryError(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	// remote result is written back to the cache
	cached := conversations.ReadHistory(ctx, engineKey)
	if len(cached) != 2 || cached[0].ID != "m1" {
		t.Fatalf("cache not refreshed: %+v", cached)
	}
}

func TestLoadHistoryEmptyRemoteKeepsCached(t *testing.T) {
	store := &fakeStore{}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	if err := conversations.WriteHistory(ctx, engineKey, []models.Message{serverMsg("c1", "cached", models.RoleUser)}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	e.LoadHistory(ctx)

	got := e.Messages()
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("empty remote must not blank the cached list: %+v", got)
	}
}

func TestLoadHistoryEmptyCacheUsesRemote(t *testing.T) {
	store := &fakeStore{history: []models.Message{serverMsg("m1", "hello", models.RoleUser)}}
	e, _ := newTestEngine(store, nil, nil)

	e.LoadHistory(context.Background())

	got := e.Messages()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("remote history not applied over empty cache: %+v", got)
	}
}

func TestLoadHistoryAppendsPendingTail(t *testing.T) {
	store := &fakeStore{history: []models.Message{serverMsg("m1", "hello", models.RoleUser)}}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	pending := serverMsg("p1", "not sent yet", models.RoleUser)
	pending.State = models.StatePending
	if err := conversations.EnqueuePending(ctx, engineKey, pending); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	e.LoadHistory(ctx)

	got := e.Messages()
	if len(got) != 2 {
		t.Fatalf("expected history + pending, got %+v", got)
	}
	if got[1].ID != "p1" || !got[1].Pending() {
		t.Fatalf("pending message not appended last: %+v", got[1])
	}
}

func TestLoadHistoryCollapsesConcurrentCalls(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{
		history:   []models.Message{serverMsg("m1", "hello", models.RoleUser)},
		fetchGate: gate,
	}
	e, _ := newTestEngine(store, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.LoadHistory(ctx)
		}()
	}
	// give the goroutines a moment to pile up on the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls := store.calls(); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
	if got := e.Messages(); len(got) != 1 {
		t.Fatalf("history not applied: %+v", got)
	}
	if e.IsLoadingHistory() {
		t.Fatalf("loading flag stuck")
	}
}

func TestLoadHistoryFailureKeepsListAndSetsError(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("network down")}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	if err := conversations.WriteHistory(ctx, engineKey, []models.Message{serverMsg("c1", "cached", models.RoleUser)}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	e.LoadHistory(ctx)

	if got := e.Messages(); len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("failed refresh cleared the list: %+v", got)
	}
	if err := e.LoadHistoryError(); err == nil {
		t.Fatalf("expected load error")
	}
	if e.IsLoadingHistory() {
		t.Fatalf("loading flag stuck")
	}
}

func TestSendMessageSuccess(t *testing.T) {
	store := &fakeStore{}
	replies := &fakeReplies{result: &ReplyResult{Message: &models.Message{Text: "nice to hear!"}}}
	e, conversations := newTestEngine(store, replies, nil)
	ctx := context.Background()

	if err := e.SendMessage(ctx, "  hello there  "); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	got := e.Messages()
	if len(got) != 2 {
		t.Fatalf("expected user message + reply, got %+v", got)
	}
	if got[0].Text != "hello there" || got[0].Role != models.RoleUser {
		t.Fatalf("unexpected user message: %+v", got[0])
	}
	if got[0].Pending() {
		t.Fatalf("confirmed message still pending")
	}
	if got[1].Role != models.RolePartner || got[1].Text != "nice to hear!" {
		t.Fatalf("unexpected reply: %+v", got[1])
	}
	if got[1].ID == "" || got[1].CreatedAt.IsZero() {
		t.Fatalf("reply defaults not filled: %+v", got[1])
	}

	if pending := conversations.ReadPending(ctx, engineKey); len(pending) != 0 {
		t.Fatalf("pending queue not drained: %+v", pending)
	}
	if failed := e.FailedMessages(); len(failed) != 0 {
		t.Fatalf("unexpected failed messages: %+v", failed)
	}
	if e.IsReplying() {
		t.Fatalf("replying flag stuck")
	}
}

func TestSendMessageEmptyTextIsNoop(t *testing.T) {
	store := &fakeStore{}
	replies := &fakeReplies{}
	e, _ := newTestEngine(store, replies, nil)

	if err := e.SendMessage(context.Background(), "   \n\t "); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if got := e.Messages(); len(got) != 0 {
		t.Fatalf("whitespace send mutated the list: %+v", got)
	}
	if replies.calls != 0 {
		t.Fatalf("whitespace send reached the reply service")
	}
}

func TestSendMessageFailureDeletesThenManualRetry(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("server unavailable")}
	replies := &fakeReplies{result: &ReplyResult{Message: &models.Message{Text: "got it"}}}
	e, conversations := newTestEngine(store, replies, nil)
	ctx := context.Background()

	if err := e.SendMessage(ctx, "are you there?"); err == nil {
		t.Fatalf("expected send error")
	}

	if got := e.Messages(); len(got) != 0 {
		t.Fatalf("failed message not deleted from list: %+v", got)
	}
	if pending := conversations.ReadPending(ctx, engineKey); len(pending) != 0 {
		t.Fatalf("failed message left in pending queue: %+v", pending)
	}
	failed := e.FailedMessages()
	if len(failed) != 1 || failed[0].Text != "are you there?" {
		t.Fatalf("failed message not recorded: %+v", failed)
	}
	if replies.calls != 0 {
		t.Fatalf("reply requested despite failed send")
	}

	// no automatic retry happened; the user asks for one explicitly
	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()

	if err := e.RetryFailedMessage(ctx, failed[0].ID); err != nil {
		t.Fatalf("RetryFailedMessage error: %v", err)
	}

	got := e.Messages()
	if len(got) != 2 || got[0].ID != failed[0].ID || got[0].Pending() {
		t.Fatalf("retried message not confirmed: %+v", got)
	}
	if got[0].CreatedAt != failed[0].CreatedAt {
		t.Fatalf("retry must keep the original timestamp")
	}
	if remaining := e.FailedMessages(); len(remaining) != 0 {
		t.Fatalf("retried message still marked failed: %+v", remaining)
	}
}

func TestRetryUnknownIDIsNoop(t *testing.T) {
	store := &fakeStore{}
	e, _ := newTestEngine(store, nil, nil)
	if err := e.RetryFailedMessage(context.Background(), "missing"); err != nil {
		t.Fatalf("unknown id should be a no-op, got %v", err)
	}
	if got := e.Messages(); len(got) != 0 {
		t.Fatalf("unknown retry mutated the list: %+v", got)
	}
}

func TestSendMessageWithoutTokenFails(t *testing.T) {
	store := &fakeStore{}
	conversations := cache.NewConversations(cache.NewMemoryStore())
	e := NewEngine(engineKey, nil, store, &fakeReplies{}, StaticTokenSource(""), conversations)

	err := e.SendMessage(context.Background(), "hello")
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if got := e.Messages(); len(got) != 0 {
		t.Fatalf("message kept despite missing token: %+v", got)
	}
	if failed := e.FailedMessages(); len(failed) != 1 {
		t.Fatalf("missing-token send should be retryable: %+v", failed)
	}
}

func TestReplyErrorReleasesFlagAndKeepsUserMessage(t *testing.T) {
	store := &fakeStore{}
	replies := &fakeReplies{err: errors.New("model overloaded")}
	e, _ := newTestEngine(store, replies, nil)

	if err := e.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatalf("expected reply error")
	}
	if e.IsReplying() {
		t.Fatalf("replying flag stuck after error")
	}
	got := e.Messages()
	if len(got) != 1 || got[0].Text != "hello" || got[0].Pending() {
		t.Fatalf("confirmed user message must survive a reply failure: %+v", got)
	}
	if failed := e.FailedMessages(); len(failed) != 0 {
		t.Fatalf("reply failure must not mark the send failed: %+v", failed)
	}
}

func TestReplyFullHistoryKeepsPendingTail(t *testing.T) {
	full := []models.Message{
		serverMsg("m1", "hello", models.RoleUser),
		serverMsg("m2", "hi!", models.RolePartner),
	}
	store := &fakeStore{}
	replies := &fakeReplies{result: &ReplyResult{Messages: full}}
	conversations := cache.NewConversations(cache.NewMemoryStore())
	e := NewEngine(engineKey, nil, store, replies, StaticTokenSource("tok"), conversations)

	// simulate a pending entry sitting in the displayed list
	pending := serverMsg("p1", "unsent", models.RoleUser)
	pending.State = models.StatePending
	e.mu.Lock()
	e.messages = []models.Message{serverMsg("m1", "hello", models.RoleUser), pending}
	e.mu.Unlock()

	if err := e.RequestReply(context.Background()); err != nil {
		t.Fatalf("RequestReply error: %v", err)
	}
	got := e.Messages()
	if len(got) != 3 {
		t.Fatalf("expected full history + pending tail, got %+v", got)
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("authoritative history not applied: %+v", got)
	}
	if got[2].ID != "p1" || !got[2].Pending() {
		t.Fatalf("pending entry lost: %+v", got[2])
	}
}

func TestSyncPendingFlushesQueue(t *testing.T) {
	store := &fakeStore{history: []models.Message{serverMsg("m1", "hello", models.RoleUser)}}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	p1 := serverMsg("p1", "offline one", models.RoleUser)
	p1.State = models.StatePending
	p2 := serverMsg("p2", "offline two", models.RoleUser)
	p2.State = models.StatePending
	if err := conversations.EnqueuePending(ctx, engineKey, p1, p2); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := e.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending error: %v", err)
	}

	if pending := conversations.ReadPending(ctx, engineKey); len(pending) != 0 {
		t.Fatalf("pending queue not cleared: %+v", pending)
	}
	got := e.Messages()
	if len(got) != 3 || got[1].ID != "p1" || got[2].ID != "p2" {
		t.Fatalf("synced history not applied: %+v", got)
	}
	for _, m := range got {
		if m.Pending() {
			t.Fatalf("synced message still pending: %+v", m)
		}
	}
}

func TestSyncPendingFailureKeepsQueue(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("still offline")}
	e, conversations := newTestEngine(store, nil, nil)
	ctx := context.Background()

	p1 := serverMsg("p1", "offline", models.RoleUser)
	p1.State = models.StatePending
	if err := conversations.EnqueuePending(ctx, engineKey, p1); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := e.SyncPending(ctx); err == nil {
		t.Fatalf("expected sync error")
	}
	if pending := conversations.ReadPending(ctx, engineKey); len(pending) != 1 {
		t.Fatalf("failed sync must keep the queue: %+v", pending)
	}
}

func TestConfirmResetReseedsOpeningLine(t *testing.T) {
	partner := &models.Partner{ID: "p1", Name: "Sam", FirstMessage: "Hi!"}
	store := &fakeStore{history: []models.Message{serverMsg("m1", "hello", models.RoleUser)}}
	e, conversations := newTestEngine(store, nil, partner)
	ctx := context.Background()

	e.LoadHistory(ctx)
	e.SetDraft("half typed")

	if err := e.ConfirmResetConversation(ctx); err != nil {
		t.Fatalf("ConfirmResetConversation error: %v", err)
	}

	if store.resetCalls != 1 {
		t.Fatalf("remote reset not invoked")
	}
	got := e.Messages()
	if len(got) != 1 || got[0].Text != "Hi!" || got[0].Role != models.RolePartner {
		t.Fatalf("opening line not reseeded: %+v", got)
	}
	if e.Draft() != "" {
		t.Fatalf("draft survived reset")
	}
	cached := conversations.ReadHistory(ctx, engineKey)
	if len(cached) != 1 || cached[0].Text != "Hi!" {
		t.Fatalf("reseeded history not cached: %+v", cached)
	}
	if pending := conversations.ReadPending(ctx, engineKey); len(pending) != 0 {
		t.Fatalf("pending queue survived reset: %+v", pending)
	}
}

func TestConfirmResetAbortsOnRemoteFailure(t *testing.T) {
	partner := &models.Partner{ID: "p1", Name: "Sam", FirstMessage: "Hi!"}
	store := &fakeStore{
		history:  []models.Message{serverMsg("m1", "hello", models.RoleUser)},
		resetErr: errors.New("server unavailable"),
	}
	e, conversations := newTestEngine(store, nil, partner)
	ctx := context.Background()

	e.LoadHistory(ctx)
	e.SetDraft("keep me")

	if err := e.ConfirmResetConversation(ctx); err == nil {
		t.Fatalf("expected reset error")
	}
	if got := e.Messages(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("failed reset mutated local state: %+v", got)
	}
	if e.Draft() != "keep me" {
		t.Fatalf("failed reset cleared the draft")
	}
	if cached := conversations.ReadHistory(ctx, engineKey); len(cached) != 1 {
		t.Fatalf("failed reset purged the cache: %+v", cached)
	}
}
