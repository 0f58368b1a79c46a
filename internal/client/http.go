package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pairchat/internal/models"
)

const defaultHTTPTimeout = 30 * time.Second

// Remote speaks the backend conversation API over HTTP. It implements
// ConversationStore, ReplyService, and SuggestionService.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote builds a Remote for the given base URL. A nil client gets
// a default with a 30s timeout.
func NewRemote(baseURL string, httpClient *http.Client) *Remote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (r *Remote) conversationURL(key models.ConversationKey, suffix string) string {
	u := r.baseURL + "/api/conversations/" +
		url.PathEscape(key.UserID) + "/" + url.PathEscape(key.PartnerID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

func (r *Remote) do(ctx context.Context, method, rawURL, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, rawURL, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, rawURL, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchHistory retrieves the authoritative history for the key.
func (r *Remote) FetchHistory(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := r.do(ctx, http.MethodGet, r.conversationURL(key, ""), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// AppendMessages stores messages on the remote and returns the updated history.
func (r *Remote) AppendMessages(ctx context.Context, key models.ConversationKey, messages []models.Message, token string) (*AppendResult, error) {
	body := struct {
		Messages []models.Message `json:"messages"`
	}{Messages: messages}
	var out AppendResult
	if err := r.do(ctx, http.MethodPost, r.conversationURL(key, ""), token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetConversation clears the remote history for the key.
func (r *Remote) ResetConversation(ctx context.Context, key models.ConversationKey, token string) error {
	return r.do(ctx, http.MethodDelete, r.conversationURL(key, ""), token, nil, nil)
}

// RequestReply asks the backend to generate the partner's next message.
func (r *Remote) RequestReply(ctx context.Context, key models.ConversationKey, token string) (*ReplyResult, error) {
	var out ReplyResult
	if err := r.do(ctx, http.MethodPost, r.conversationURL(key, "reply"), token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestSuggestions asks the backend for quick-reply candidates.
func (r *Remote) RequestSuggestions(ctx context.Context, key models.ConversationKey, token string, count int) (*SuggestionResult, error) {
	body := struct {
		Count int `json:"count"`
	}{Count: count}
	var out SuggestionResult
	if err := r.do(ctx, http.MethodPost, r.conversationURL(key, "suggestions"), token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PasswordTokenSource logs in against the backend and caches the
// issued bearer token until invalidated.
type PasswordTokenSource struct {
	remote   *Remote
	username string
	password string

	mu    sync.Mutex
	token string
}

func NewPasswordTokenSource(remote *Remote, username, password string) *PasswordTokenSource {
	return &PasswordTokenSource{remote: remote, username: username, password: password}
}

func (p *PasswordTokenSource) CurrentIDToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	body := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: p.username, Password: p.password}
	var out struct {
		Token string `json:"token"`
	}
	if err := p.remote.do(ctx, http.MethodPost, p.remote.baseURL+"/api/users/login", "", body, &out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return "", ErrNoToken
	}
	p.token = out.Token
	return p.token, nil
}

// Invalidate drops the cached token, forcing a fresh login.
func (p *PasswordTokenSource) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
