// Package cohere adapts the Cohere v2 Chat API.
package cohere

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL = "https://api.cohere.ai"
	chatPath       = "/v2/chat"
	modelsPath     = "/v1/models"
	providerName   = "cohere"
)

var defaultParams = map[string]string{
	providers.ParamMaxOutputTokens:  "max_tokens",
	providers.ParamTemperature:      "temperature",
	providers.ParamTopP:             "p",
	providers.ParamTopK:             "k",
	providers.ParamFrequencyPenalty: "frequency_penalty",
	providers.ParamPresencePenalty:  "presence_penalty",
	providers.ParamSeed:             "seed",
	providers.ParamResponseFormat:   "response_format",
}

type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

func (a *Adapter) Kind() string { return catalog.KindCohere }

func (a *Adapter) TransformRequest(req *providers.ChatRequest, t providers.Target) (*providers.Request, error) {
	pm := t.ProviderModel
	if t.Credential.APIKey == "" {
		return nil, &providers.Error{Provider: providerName, Code: providers.CodeUnsupportedAuth, StatusCode: http.StatusUnauthorized, Message: "no API key for provider"}
	}

	cr := chatRequest{
		Model:         pm.Slug,
		Messages:      a.messages(req.Messages),
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	for _, tool := range req.Tools {
		cr.Tools = append(cr.Tools, apiTool{
			Type: "function",
			Function: apiFunctionDef{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	if len(req.ToolChoice) > 0 {
		var mode string
		if err := json.Unmarshal(req.ToolChoice, &mode); err == nil {
			switch mode {
			case "required":
				cr.ToolChoice = "REQUIRED"
			case "none":
				cr.ToolChoice = "NONE"
			}
		}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, invalid(err)
	}
	pmap := providers.ParamMap{Defaults: defaultParams, Overrides: pm.ParameterMapping}
	if body, err = pmap.Apply(body, req.Raw, providers.ParamStream); err != nil {
		return nil, invalid(err)
	}

	h := header(t.Credential)
	h.Set("Content-Type", "application/json")
	if req.Stream {
		h.Set("Accept", "text/event-stream")
	}
	return &providers.Request{
		Method: http.MethodPost,
		URL:    providers.Endpoint(pm, defaultBaseURL, chatPath),
		Header: h,
		Body:   body,
		Stream: req.Stream,
	}, nil
}

func (a *Adapter) messages(in []providers.Message) []apiMessage {
	out := make([]apiMessage, 0, len(in))
	for _, m := range in {
		role := strings.ToLower(m.Role)
		switch role {
		case "developer":
			role = "system"
		case "function":
			role = "tool"
		}

		msg := apiMessage{Role: role}
		switch role {
		case "tool":
			msg.ToolCallID = m.ToolCallID
			msg.Content = m.Content.PlainText()
		case "user":
			msg.Content = a.userContent(m)
		default:
			if text := m.Content.PlainText(); text != "" {
				msg.Content = text
			}
			a.dropNonText(m)
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, apiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: apiFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		out = append(out, msg)
	}
	return out
}

// userContent keeps a plain string as is and maps part lists to v2
// content blocks. Only text and images are representable.
func (a *Adapter) userContent(m providers.Message) any {
	if m.Content.Parts == nil {
		return m.Content.Text
	}
	blocks := make([]apiContent, 0, len(m.Content.Parts))
	for _, p := range m.Content.Parts {
		switch {
		case p.Type == providers.PartText:
			blocks = append(blocks, apiContent{Type: "text", Text: p.Text})
		case p.Type == providers.PartImageURL && p.ImageURL != nil:
			blocks = append(blocks, apiContent{Type: "image_url", ImageURL: &apiImageURL{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail}})
		default:
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		}
	}
	return blocks
}

func (a *Adapter) dropNonText(m providers.Message) {
	for _, p := range m.Content.Parts {
		if p.Type != providers.PartText {
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		}
	}
}

func (a *Adapter) TransformResponse(body []byte, pm *catalog.ProviderModel, orig *providers.ChatRequest) (*providers.ChatResponse, error) {
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, badResponse(err)
	}

	var text strings.Builder
	for _, c := range cr.Message.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	msg := providers.ResponseMessage{
		Content:          providers.Ptr(text.String()),
		ReasoningContent: cr.Message.ToolPlan,
	}
	for i, tc := range cr.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
			Index:    providers.Ptr(i),
			ID:       tc.ID,
			Type:     "function",
			Function: providers.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return providers.TextResponse(cr.ID, providers.ResponseModel(pm, orig), time.Now().Unix(),
		msg, finishReason(cr.FinishReason), cr.Usage.openAI()), nil
}

func (a *Adapter) NewStream(pm *catalog.ProviderModel, orig *providers.ChatRequest) providers.Stream {
	return &stream{model: providers.ResponseModel(pm, orig), created: time.Now().Unix()}
}

func (a *Adapter) HealthCheckRequest(p *catalog.Provider, cred providers.Credential) (*providers.Request, error) {
	return &providers.Request{
		Method:  http.MethodGet,
		URL:     providers.BaseURL(p, defaultBaseURL) + modelsPath,
		Header:  header(cred),
		Timeout: providers.HealthCheckTimeout,
	}, nil
}

type stream struct {
	id      string
	model   string
	created int64
}

func (s *stream) chunk(delta providers.Delta, finish *string) *providers.Chunk {
	return providers.NewChunk(s.id, s.model, s.created, delta, finish)
}

func (s *stream) Transform(ev providers.Event) (*providers.Chunk, error) {
	var e streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, badResponse(err)
	}

	switch e.Type {
	case "message-start":
		s.id = e.ID
		return s.chunk(providers.Delta{Role: "assistant", Content: providers.Ptr("")}, nil), nil
	case "content-delta":
		return s.chunk(providers.Delta{Content: providers.Ptr(e.Delta.Message.Content.Text)}, nil), nil
	case "tool-plan-delta":
		return s.chunk(providers.Delta{ReasoningContent: e.Delta.Message.ToolPlan}, nil), nil
	case "tool-call-start":
		tc := e.Delta.Message.ToolCalls
		return s.chunk(providers.Delta{ToolCalls: []providers.ToolCall{{
			Index:    providers.Ptr(e.Index),
			ID:       tc.ID,
			Type:     "function",
			Function: providers.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		}}}, nil), nil
	case "tool-call-delta":
		return s.chunk(providers.Delta{ToolCalls: []providers.ToolCall{{
			Index:    providers.Ptr(e.Index),
			Function: providers.FunctionCall{Arguments: e.Delta.Message.ToolCalls.Function.Arguments},
		}}}, nil), nil
	case "message-end":
		c := s.chunk(providers.Delta{}, providers.Ptr(finishReason(e.Delta.FinishReason)))
		if e.Delta.Usage != nil {
			c.Usage = e.Delta.Usage.openAI()
		}
		return c, nil
	}
	// content-start, content-end, tool-call-end, citation events
	return nil, nil
}

func (u apiUsage) openAI() *providers.Usage {
	counts := u.Tokens
	if counts.InputTokens == 0 && counts.OutputTokens == 0 {
		counts = u.BilledUnits
	}
	in, out := int64(counts.InputTokens), int64(counts.OutputTokens)
	return &providers.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func header(cred providers.Credential) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.APIKey)
	return h
}

func finishReason(r string) string {
	switch r {
	case "MAX_TOKENS", "ERROR_LIMIT":
		return providers.FinishLength
	case "TOOL_CALL":
		return providers.FinishToolCalls
	case "ERROR_TOXIC":
		return providers.FinishContentFilter
	default:
		// COMPLETE, STOP_SEQUENCE, ERROR, USER_CANCEL
		return providers.FinishStop
	}
}

func invalid(err error) error {
	return &providers.Error{Provider: providerName, Code: providers.CodeInvalidRequest, StatusCode: http.StatusBadRequest, Message: err.Error(), Err: err}
}

func badResponse(err error) error {
	return &providers.Error{
		Provider:   providerName,
		Code:       providers.CodeInvalidResponse,
		StatusCode: http.StatusBadGateway,
		Message:    fmt.Sprintf("decode response: %v", err),
		Err:        err,
	}
}
