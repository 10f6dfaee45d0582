package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/callbridge/internal/calls"
)

// DefaultAccuracyPlaceholder is the accuracy reported when no grader is
// configured.
const DefaultAccuracyPlaceholder = 0.8

// AccuracyEvaluator grades how well the agent answered. A nil score with a
// nil error means accuracy is unknown and is left out of the overall score.
type AccuracyEvaluator interface {
	Evaluate(ctx context.Context, interactions []calls.Interaction) (*float64, error)
}

// FixedAccuracy reports the same value for every call. A negative value
// reports accuracy as unknown.
type FixedAccuracy float64

func (f FixedAccuracy) Evaluate(context.Context, []calls.Interaction) (*float64, error) {
	if f < 0 {
		return nil, nil
	}
	v := float64(f)
	return &v, nil
}

type OpenAIAccuracyConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIAccuracy asks a chat model to grade the agent's answers.
type OpenAIAccuracy struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

const accuracyPrompt = `You grade phone support calls handled by an automated agent.
Read the transcript and rate how accurate and on-task the agent's answers were,
from 0 (wrong or unhelpful) to 1 (correct and complete).
Reply with a JSON object of the form {"accuracy": <number>} and nothing else.`

func NewOpenAIAccuracy(cfg OpenAIAccuracyConfig) (*OpenAIAccuracy, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai accuracy: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIAccuracy{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

func (o *OpenAIAccuracy) Evaluate(ctx context.Context, interactions []calls.Interaction) (*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var transcript strings.Builder
	for _, in := range interactions {
		fmt.Fprintf(&transcript, "%s: %s\n", in.Speaker, in.Text)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: accuracyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript.String()},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai accuracy: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai accuracy: empty response")
	}

	var graded struct {
		Accuracy *float64 `json:"accuracy"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &graded); err != nil {
		return nil, fmt.Errorf("openai accuracy: decode %q: %w", content, err)
	}
	if graded.Accuracy == nil || *graded.Accuracy < 0 || *graded.Accuracy > 1 {
		return nil, fmt.Errorf("openai accuracy: score out of range in %q", content)
	}
	return graded.Accuracy, nil
}
