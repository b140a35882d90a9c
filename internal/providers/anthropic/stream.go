package anthropic

import (
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/goccy/go-json"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// stream accumulates Messages API events into chat.completion.chunk frames.
type stream struct {
	id          string
	model       string
	created     int64
	inputTokens int64

	// tools maps a content block index to its OpenAI tool call index.
	tools map[int64]int
}

func (s *stream) chunk(delta providers.Delta, finish *string) *providers.Chunk {
	return providers.NewChunk(s.id, s.model, s.created, delta, finish)
}

func (s *stream) Transform(ev providers.Event) (*providers.Chunk, error) {
	if ev.Name == "error" {
		return nil, streamError(ev.Data)
	}

	var e anthropic.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, badResponse(err)
	}

	switch e.Type {
	case "message_start":
		s.id = e.Message.ID
		s.inputTokens = e.Message.Usage.InputTokens
		return s.chunk(providers.Delta{Role: "assistant", Content: providers.Ptr("")}, nil), nil

	case "content_block_start":
		if e.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := len(s.tools)
		s.tools[e.Index] = idx
		return s.chunk(providers.Delta{ToolCalls: []providers.ToolCall{{
			Index:    providers.Ptr(idx),
			ID:       e.ContentBlock.ID,
			Type:     "function",
			Function: providers.FunctionCall{Name: e.ContentBlock.Name},
		}}}, nil), nil

	case "content_block_delta":
		switch e.Delta.Type {
		case "text_delta":
			return s.chunk(providers.Delta{Content: providers.Ptr(e.Delta.Text)}, nil), nil
		case "thinking_delta":
			return s.chunk(providers.Delta{ReasoningContent: e.Delta.Thinking}, nil), nil
		case "input_json_delta":
			idx, ok := s.tools[e.Index]
			if !ok {
				return nil, nil
			}
			return s.chunk(providers.Delta{ToolCalls: []providers.ToolCall{{
				Index:    providers.Ptr(idx),
				Function: providers.FunctionCall{Arguments: e.Delta.PartialJSON},
			}}}, nil), nil
		}
		return nil, nil

	case "message_delta":
		var finish *string
		if e.Delta.StopReason != "" {
			finish = providers.Ptr(finishReason(string(e.Delta.StopReason)))
		}
		c := s.chunk(providers.Delta{}, finish)
		input := s.inputTokens
		if e.Usage.InputTokens > 0 {
			input = e.Usage.InputTokens
		}
		c.Usage = &providers.Usage{
			PromptTokens:     input,
			CompletionTokens: e.Usage.OutputTokens,
			TotalTokens:      input + e.Usage.OutputTokens,
		}
		return c, nil

	case "error":
		return nil, streamError(ev.Data)
	}
	// ping, content_block_stop, message_stop
	return nil, nil
}

func streamError(data string) error {
	var env apiError
	msg := data
	if err := json.Unmarshal([]byte(data), &env); err == nil && env.Error != nil {
		msg = env.Error.Message
	}
	status := http.StatusBadGateway
	retryable := false
	if env.Error != nil && env.Error.Type == "overloaded_error" {
		status, retryable = http.StatusServiceUnavailable, true
	}
	return &providers.Error{
		Provider:   providerName,
		Code:       providers.CodeAPIError,
		StatusCode: status,
		Message:    msg,
		Retryable:  retryable,
	}
}
