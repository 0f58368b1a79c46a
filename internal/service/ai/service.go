// Package ai generates partner replies and quick-reply suggestions
// with eino chat models.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"pairchat/internal/config"
	"pairchat/internal/models"
)

// Service drives one partner's chat model.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	partner   models.Partner
	persona   string
}

// NewService builds the chat model for the partner's configured
// provider and loads its persona document.
func NewService(ctx context.Context, cfg *config.Config, partner models.Partner) (*Service, error) {
	provider := partner.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := partner.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var chatModel model.ToolCallingChatModel
	var err error
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 1000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	persona, err := loadPersona(ctx, partner.PersonaPath)
	if err != nil {
		return nil, fmt.Errorf("load persona for %s: %w", partner.ID, err)
	}

	var reactAgent *react.Agent
	if tools := initToolsChain(); len(tools) > 0 {
		reactAgent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &Service{
		chatModel: chatModel,
		agent:     reactAgent,
		partner:   partner,
		persona:   persona,
	}, nil
}

// Reply generates the partner's next message from the history.
func (s *Service) Reply(ctx context.Context, history []models.Message) (*models.Message, error) {
	messages := s.convertMessages(history, s.replySystemPrompt())

	var (
		out *schema.Message
		err error
	)
	if s.agent != nil {
		out, err = s.agent.Generate(ctx, messages)
	} else {
		out, err = s.chatModel.Generate(ctx, messages)
	}
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	text := strings.TrimSpace(out.Content)
	if text == "" {
		return nil, errors.New("model produced an empty reply")
	}
	return &models.Message{
		ID:        "ai-" + uuid.NewString(),
		Role:      models.RolePartner,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Suggest produces up to count short replies in the user's voice, one
// per output line. Tools are skipped; suggestions should be fast.
func (s *Service) Suggest(ctx context.Context, history []models.Message, count int) ([]string, error) {
	if count <= 0 {
		count = 3
	}
	messages := s.convertMessages(history, s.suggestSystemPrompt(count))

	out, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate suggestions: %w", err)
	}
	suggestions := parseSuggestionLines(out.Content, count)
	return suggestions, nil
}

func (s *Service) replySystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, chatting casually with the user. Stay in character and keep replies short and warm.", s.partner.Name)
	if s.persona != "" {
		b.WriteString("\n\nCharacter notes:\n")
		b.WriteString(s.persona)
	}
	return b.String()
}

func (s *Service) suggestSystemPrompt(count int) string {
	return fmt.Sprintf(
		"Propose %d short messages the user could send next in this conversation with %s. "+
			"Write in the user's voice. Output one suggestion per line with no numbering or bullets.",
		count, s.partner.Name,
	)
}

func (s *Service) convertMessages(history []models.Message, systemPrompt string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RolePartner:
			role = schema.Assistant
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Text,
		})
	}
	return messages
}

func parseSuggestionLines(raw string, count int) []string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, count)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.Trim(line, `"`)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= count {
			break
		}
	}
	return out
}
