package worker

import (
	"context"
	"fmt"

	"pairchat/internal/models"
	"pairchat/internal/service/ai"
	"pairchat/internal/service/conversation"
)

// ReplyOutcome carries the generated partner message plus the full
// conversation after it was persisted.
type ReplyOutcome struct {
	Reply    *models.Message
	Messages []models.Message
}

// Manager executes jobs against the conversation store and the per-
// partner AI services.
type Manager struct {
	conversations *conversation.Service
	partners      map[string]*ai.Service
}

func NewManager(conversations *conversation.Service, partners map[string]*ai.Service) *Manager {
	return &Manager{
		conversations: conversations,
		partners:      partners,
	}
}

func (m *Manager) partnerService(partnerID string) (*ai.Service, error) {
	svc, ok := m.partners[partnerID]
	if !ok {
		return nil, fmt.Errorf("unknown partner: %s", partnerID)
	}
	return svc, nil
}

func (m *Manager) handleReply(task *replyTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := m.partnerService(req.PartnerID)
	if err != nil {
		task.resultCh <- replyReturn{err: err}
		return
	}

	key := models.ConversationKey{UserID: req.UserID, PartnerID: req.PartnerID}
	history, err := m.conversations.History(ctx, key)
	if err != nil {
		task.resultCh <- replyReturn{err: err}
		return
	}

	reply, err := svc.Reply(ctx, history)
	if err != nil {
		task.resultCh <- replyReturn{err: err}
		return
	}

	_, messages, err := m.conversations.Append(ctx, key, []models.Message{*reply})
	if err != nil {
		task.resultCh <- replyReturn{err: err}
		return
	}
	// the persisted copy carries the server-assigned id
	persisted := *reply
	if n := len(messages); n > 0 {
		persisted = messages[n-1]
	}
	task.resultCh <- replyReturn{reply: &persisted, messages: messages}
}

func (m *Manager) handleSuggest(task *suggestTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := m.partnerService(req.PartnerID)
	if err != nil {
		task.resultCh <- suggestReturn{err: err}
		return
	}

	key := models.ConversationKey{UserID: req.UserID, PartnerID: req.PartnerID}
	history, err := m.conversations.History(ctx, key)
	if err != nil {
		task.resultCh <- suggestReturn{err: err}
		return
	}

	suggestions, err := svc.Suggest(ctx, history, req.Count)
	if err != nil {
		task.resultCh <- suggestReturn{err: err}
		return
	}
	task.resultCh <- suggestReturn{suggestions: suggestions}
}
