package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var errMissingAPIKey = errors.New("summarizer api key is required")

// Summarizer produces an Analysis from a set of feedback texts. It must be
// treated as fallible and rate-limited; callers own the fallback behavior.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (Analysis, error)
}

const summarizerSystemPrompt = `You summarize anonymous student feedback for instructors.
Respond with a single JSON object and nothing else, using exactly these keys:
"summary" (string), "themes" (array of short strings), "sentiment_score"
(integer 0-100, 0 most negative), "action_items" (array of short strings).`

// OpenAISummarizerConfig configures the OpenAI-backed summarizer.
type OpenAISummarizerConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  *zap.Logger
}

// OpenAISummarizer implements Summarizer on the OpenAI chat completions API.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAISummarizer constructs an OpenAISummarizer. An empty API key is a
// constructor error so wiring code can install the fallback path instead.
func NewOpenAISummarizer(cfg OpenAISummarizerConfig) (*OpenAISummarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

// Summarize sends the feedback texts to the model and decodes the strict
// Analysis shape out of its reply.
func (s *OpenAISummarizer) Summarize(ctx context.Context, texts []string) (Analysis, error) {
	if len(texts) == 0 {
		return applyDefaults(Analysis{}), nil
	}

	prompt := buildPrompt(texts)
	response, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		s.logger.Warn("summarizer call failed", zap.Error(err))
		return Analysis{}, fmt.Errorf("%w: %v", ErrSummarizerUnavailable, err)
	}
	if len(response.Choices) == 0 {
		s.logger.Warn("summarizer returned no choices")
		return Analysis{}, fmt.Errorf("%w: empty response", ErrSummarizerUnavailable)
	}

	payload, err := decodeAnalysis(response.Choices[0].Message.Content)
	if err != nil {
		s.logger.Warn("summarizer returned undecodable payload", zap.Error(err))
		return Analysis{}, fmt.Errorf("%w: %v", ErrSummarizerUnavailable, err)
	}
	return payload, nil
}

func buildPrompt(texts []string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Summarize the following %d anonymous feedback entries.\n\n", len(texts))
	for index, text := range texts {
		fmt.Fprintf(&builder, "%d. %s\n", index+1, strings.TrimSpace(text))
	}
	return builder.String()
}

// decodeAnalysis parses a model reply into the strict Analysis shape,
// tolerating code fences and repairing absent fields with defaults.
func decodeAnalysis(raw string) (Analysis, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var payload Analysis
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Analysis{}, err
	}
	return applyDefaults(payload), nil
}
