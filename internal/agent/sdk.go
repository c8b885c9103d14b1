package agent

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// SDKRunner runs turns directly against the Anthropic API. It has no
// filesystem tools, so it suits plan and split turns where the agent
// only produces text.
type SDKRunner struct {
	client    anthropic.Client
	maxTokens int64
}

// NewSDKRunner builds a runner from ANTHROPIC_API_KEY (or the given key).
func NewSDKRunner(apiKey string) (*SDKRunner, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	return &SDKRunner{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: 8192,
	}, nil
}

// StartTurn issues one API call and replays it as the standard event
// sequence: turn_start, text, usage, result.
func (r *SDKRunner) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if req.Timeout == 0 {
		req.Timeout = defaultTurnTimeout
	}

	turnCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	events := make(chan Event, 8)

	go func() {
		defer cancel()
		defer close(events)

		events <- Event{Kind: EventTurnStart, SessionID: uuid.New().String()}

		resp, err := r.client.Messages.New(turnCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: r.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		})
		if err != nil {
			ev := Event{Kind: EventResult, IsError: true, Errors: []string{err.Error()}}
			switch {
			case turnCtx.Err() == context.DeadlineExceeded:
				ev.ErrorCode = ErrorCodeTimeout
			case turnCtx.Err() == context.Canceled:
				ev.ErrorCode = ErrorCodeInterrupted
			default:
				ev.ErrorCode, ev.RetryAfter = classifyResultError(err.Error())
			}
			events <- ev
			return
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() > 0 {
			events <- Event{Kind: EventText, Text: text.String()}
		}

		input := resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.CacheCreationInputTokens
		events <- Event{
			Kind:         EventUsage,
			InputTokens:  input,
			OutputTokens: resp.Usage.OutputTokens,
		}
		events <- Event{
			Kind:         EventResult,
			InputTokens:  input,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}()

	return &Turn{Events: events, interrupt: cancel}, nil
}

var _ Runner = (*SDKRunner)(nil)
var _ Runner = (*CLIRunner)(nil)
