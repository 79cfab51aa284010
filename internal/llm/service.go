package llm

import (
	"context"
	"fmt"

	"github.com/RichardoC/pad-relay/internal/config"
	"github.com/RichardoC/pad-relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// langchainAdapter streams through any langchaingo chat model.
type langchainAdapter struct {
	llm          llms.Model
	systemPrompt string
	// attach turns an attachment into a content part, or nil when unsupported.
	attach func(*models.Attachment) (llms.ContentPart, error)
}

func NewOpenAIAdapter(cfg config.ProviderConfig) (Adapter, error) {
	token := cfg.APIKey
	if token == "" {
		// OpenAI-compatible local servers ignore the key, the client still wants one.
		token = "none"
	}
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	return &langchainAdapter{
		llm:          llm,
		systemPrompt: cfg.SystemPrompt,
		attach: func(a *models.Attachment) (llms.ContentPart, error) {
			if !a.IsImage() {
				return nil, nil
			}
			return llms.ImageURLPart(a.DataURL()), nil
		},
	}, nil
}

func NewOllamaAdapter(cfg config.ProviderConfig) (Adapter, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}
	return &langchainAdapter{
		llm:          llm,
		systemPrompt: cfg.SystemPrompt,
		attach: func(a *models.Attachment) (llms.ContentPart, error) {
			if !a.IsImage() {
				return nil, nil
			}
			data, err := a.Bytes()
			if err != nil {
				return nil, err
			}
			return llms.BinaryPart(a.MimeType, data), nil
		},
	}, nil
}

func (a *langchainAdapter) Stream(ctx context.Context, req Request, emit func(string) error) error {
	messages, err := a.buildMessages(req)
	if err != nil {
		return err
	}

	_, err = a.llm.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return emit(string(chunk))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to generate completion: %w", err)
	}
	return nil
}

func (a *langchainAdapter) buildMessages(req Request) ([]llms.MessageContent, error) {
	history := req.History
	if len(history) == 0 && req.Text != "" {
		history = []models.ProjectedMessage{{Role: models.RoleUser, Content: req.Text}}
	}

	messages := make([]llms.MessageContent, 0, len(history)+1)
	if a.systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, a.systemPrompt))
	}
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Content))
	}

	if req.Attachment != nil && a.attach != nil {
		part, err := a.attach(req.Attachment)
		if err != nil {
			return nil, err
		}
		if part != nil {
			// Images ride along with the newest user message.
			for i := len(messages) - 1; i >= 0; i-- {
				if messages[i].Role == llms.ChatMessageTypeHuman {
					messages[i].Parts = append(messages[i].Parts, part)
					break
				}
			}
		}
	}
	return messages, nil
}
