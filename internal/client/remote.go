// Package client implements the conversation synchronization engine:
// history loading and merging, optimistic send with a pending queue,
// reply requests, quick-reply suggestions, and conversation reset.
// The remote store, reply/suggestion generators, and token provider are
// collaborators supplied as interfaces.
package client

import (
	"context"
	"encoding/json"
	"errors"

	"pairchat/internal/models"
)

// ErrNoToken signals that the token source produced no usable token.
// Treated as a send/request failure, not a retryable transient error.
var ErrNoToken = errors.New("no auth token available")

// TokenSource yields the current bearer token for authenticated calls.
type TokenSource interface {
	CurrentIDToken(ctx context.Context) (string, error)
}

// AppendResult is the remote store's response to an append: the
// messages actually stored plus the full authoritative history.
type AppendResult struct {
	Appended []models.Message `json:"appended"`
	Messages []models.Message `json:"messages"`
}

// ConversationStore is the remote authoritative message store.
type ConversationStore interface {
	FetchHistory(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	AppendMessages(ctx context.Context, key models.ConversationKey, messages []models.Message, token string) (*AppendResult, error)
	ResetConversation(ctx context.Context, key models.ConversationKey, token string) error
}

// ReplyResult carries the partner's generated reply. Messages, when
// present, is the full authoritative history including the reply.
type ReplyResult struct {
	Message  *models.Message  `json:"message"`
	Messages []models.Message `json:"messages"`
}

// ReplyService generates the partner's next message.
type ReplyService interface {
	RequestReply(ctx context.Context, key models.ConversationKey, token string) (*ReplyResult, error)
}

// SuggestionItem is one quick-reply candidate. The wire shape varies:
// plain strings or objects carrying the text under one of several
// field names. Decoding resolves them with a fixed priority.
type SuggestionItem struct {
	Text string
}

// Field priority for object-shaped suggestion items.
var suggestionTextFields = []string{"text", "message", "content", "value"}

func (s *SuggestionItem) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		s.Text = plain
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// Unknown shapes decode as empty and are dropped by normalization.
		s.Text = ""
		return nil
	}
	for _, field := range suggestionTextFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && len(value) != 0 {
			s.Text = value
			return nil
		}
	}
	s.Text = ""
	return nil
}

func (s SuggestionItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

// SuggestionResult is the suggestion generator's response. Fallback
// marks an explicit "nothing useful" signal with an explanatory
// message; it is a normal empty result, not an error.
type SuggestionResult struct {
	Suggestions []SuggestionItem `json:"suggestions"`
	Fallback    bool             `json:"fallback"`
	Message     string           `json:"message"`
}

// SuggestionService generates quick-reply suggestions.
type SuggestionService interface {
	RequestSuggestions(ctx context.Context, key models.ConversationKey, token string, count int) (*SuggestionResult, error)
}

// StaticTokenSource serves a fixed token (tests, service accounts).
type StaticTokenSource string

func (s StaticTokenSource) CurrentIDToken(context.Context) (string, error) {
	return string(s), nil
}
