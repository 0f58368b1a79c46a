package client

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"pairchat/internal/models"
)

const (
	// MaxSuggestionItems caps how many quick replies are offered.
	MaxSuggestionItems = 3
	// suggestionSignatureWindow is how many trailing messages feed the
	// cache signature.
	suggestionSignatureWindow = 6
	// suggestionTextLimit truncates each suggestion for display.
	suggestionTextLimit = 200
	// signatureTextLimit truncates message text inside the signature.
	signatureTextLimit = 80
)

// FallbackSuggestions is served when generation is unavailable or
// yields nothing usable.
var FallbackSuggestions = []string{
	"Tell me more about how you're feeling.",
	"Has anything memorable happened lately?",
	"I'm curious what you think - let's keep talking!",
}

// Guidance messages for the non-fault short-circuit paths.
const (
	msgNoPartner      = "No chat partner selected yet; showing default suggestions."
	msgNotSignedIn    = "Sign in to get smart suggestions."
	msgNoSuggestions  = "No good suggestions right now; showing defaults."
	msgSuggestionFail = "Something went wrong generating suggestions; showing defaults."
)

// Suggestions computes quick-reply candidates for an engine's
// conversation, caching them under a signature of the recent context
// so an unchanged conversation never re-asks the generator.
type Suggestions struct {
	engine *Engine
	svc    SuggestionService
	tokens TokenSource

	mu        sync.Mutex
	options   []string
	message   string
	loading   bool
	signature string
	gen       int
	cancel    context.CancelFunc
}

// NewSuggestions wires the suggestion engine to a conversation engine.
func NewSuggestions(engine *Engine, svc SuggestionService, tokens TokenSource) *Suggestions {
	return &Suggestions{engine: engine, svc: svc, tokens: tokens}
}

// Options returns the current suggestion list.
func (s *Suggestions) Options() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.options))
	copy(out, s.options)
	return out
}

// Message returns the explanatory text for the current options, empty
// when suggestions were generated normally.
func (s *Suggestions) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// IsLoading reports whether a suggestion request is in flight.
func (s *Suggestions) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LoadSuggestions serves cached options when the conversation context
// is unchanged, otherwise issues one cancellable request. Missing
// partner or user short-circuits to the fallback list with a guidance
// message; generator failures and empty results also fall back. A
// result arriving after InvalidateSuggestions or a newer load is
// discarded.
func (s *Suggestions) LoadSuggestions(ctx context.Context) {
	key := s.engine.Key()
	signature := suggestionSignature(key, s.engine.Messages())

	s.mu.Lock()
	if s.signature == signature && len(s.options) > 0 {
		s.loading = false
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.loading = true
	s.message = ""
	s.mu.Unlock()

	fallback := append([]string{}, FallbackSuggestions...)

	if strings.TrimSpace(key.PartnerID) == "" {
		s.finalize(gen, fallback, msgNoPartner, signature)
		return
	}
	if strings.TrimSpace(key.UserID) == "" {
		s.finalize(gen, fallback, msgNotSignedIn, signature)
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if gen != s.gen {
		// Invalidated while setting up; drop the request.
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	token, err := s.tokens.CurrentIDToken(reqCtx)
	if err != nil {
		s.finalize(gen, fallback, guidanceMessage(err), signature)
		return
	}

	resp, err := s.svc.RequestSuggestions(reqCtx, key, token, MaxSuggestionItems)
	if err != nil {
		s.finalize(gen, fallback, guidanceMessage(err), signature)
		return
	}

	var normalized []string
	var message string
	if resp != nil {
		normalized = normalizeSuggestionItems(resp.Suggestions)
		if resp.Fallback && strings.TrimSpace(resp.Message) != "" {
			message = resp.Message
		}
	}

	if len(normalized) > 0 {
		s.finalize(gen, normalized, message, signature)
		return
	}
	if message == "" {
		message = msgNoSuggestions
	}
	s.finalize(gen, fallback, message, signature)
}

// InvalidateSuggestions cancels any in-flight request (its eventual
// result is discarded) and clears options, message, loading state, and
// the cached signature.
func (s *Suggestions) InvalidateSuggestions() {
	s.mu.Lock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.loading = false
	s.options = nil
	s.message = ""
	s.signature = ""
	s.mu.Unlock()
}

// finalize applies a request outcome unless a newer request or an
// invalidation has superseded it.
func (s *Suggestions) finalize(gen int, options []string, message, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.options = options
	s.message = strings.TrimSpace(message)
	s.loading = false
	s.signature = signature
	s.cancel = nil
}

func guidanceMessage(err error) string {
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		return err.Error()
	}
	return msgSuggestionFail
}

// suggestionSignature fingerprints the recent conversation context: the
// partner, the list length, and a trailing window of messages.
func suggestionSignature(key models.ConversationKey, messages []models.Message) string {
	start := 0
	if len(messages) > suggestionSignatureWindow {
		start = len(messages) - suggestionSignatureWindow
	}
	parts := make([]string, 0, len(messages)-start)
	for _, m := range messages[start:] {
		role := "p"
		if m.Role == models.RoleUser {
			role = "u"
		}
		parts = append(parts, m.ID+"|"+role+"|"+truncateRunes(m.Text, signatureTextLimit))
	}
	return key.PartnerID + "::" + strconv.Itoa(len(messages)) + "::" + strings.Join(parts, "||")
}

// normalizeSuggestionItems trims, truncates, deduplicates, drops
// empties, and caps the list.
func normalizeSuggestionItems(items []SuggestionItem) []string {
	seen := make(map[string]struct{}, len(items))
	results := make([]string, 0, MaxSuggestionItems)
	for _, item := range items {
		trimmed := strings.TrimSpace(item.Text)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		clamped := truncateRunes(trimmed, suggestionTextLimit)
		if clamped == "" {
			continue
		}
		seen[trimmed] = struct{}{}
		results = append(results, clamped)
		if len(results) >= MaxSuggestionItems {
			break
		}
	}
	return results
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
