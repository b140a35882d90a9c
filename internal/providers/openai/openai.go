// Package openai adapts OpenAI and OpenAI-compatible chat endpoints. The
// caller's body is forwarded almost verbatim: only the model is swapped for
// the provider model's slug and mapped parameters are renamed.
package openai

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com"
	chatPath       = "/v1/chat/completions"
	modelsPath     = "/v1/models"
	providerName   = "openai"
)

type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

func (a *Adapter) Kind() string { return catalog.KindOpenAI }

func (a *Adapter) TransformRequest(req *providers.ChatRequest, t providers.Target) (*providers.Request, error) {
	pm := t.ProviderModel
	if t.Credential.APIKey == "" {
		return nil, &providers.Error{Provider: providerName, Code: providers.CodeUnsupportedAuth, StatusCode: http.StatusUnauthorized, Message: "no API key for provider"}
	}

	body := req.Raw
	if body == nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, invalid(err)
		}
	}
	// sjson writes into a fresh slice; req.Raw is left untouched.
	body, err := sjson.SetBytes(body, "model", pm.Slug)
	if err != nil {
		return nil, invalid(err)
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, invalid(err)
		}
	}
	pmap := providers.ParamMap{Overrides: pm.ParameterMapping}
	if body, err = pmap.Rename(body); err != nil {
		return nil, invalid(err)
	}

	h := authHeader(t.Credential)
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

func (a *Adapter) TransformResponse(body []byte, pm *catalog.ProviderModel, orig *providers.ChatRequest) (*providers.ChatResponse, error) {
	var cc openaiSDK.ChatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, badResponse(err)
	}

	out := &providers.ChatResponse{
		ID:                cc.ID,
		Object:            "chat.completion",
		Created:           cc.Created,
		Model:             providers.ResponseModel(pm, orig),
		SystemFingerprint: cc.SystemFingerprint,
		Choices:           make([]providers.Choice, 0, len(cc.Choices)),
	}
	for _, c := range cc.Choices {
		msg := providers.ResponseMessage{Role: "assistant", Refusal: c.Message.Refusal}
		if c.Message.JSON.Content.Valid() {
			msg.Content = providers.Ptr(c.Message.Content)
		}
		for i, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				Index:    providers.Ptr(i),
				ID:       tc.ID,
				Type:     "function",
				Function: providers.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: providers.Ptr(finishReason(c.FinishReason)),
		})
	}
	if cc.JSON.Usage.Valid() {
		out.Usage = usage(cc.Usage)
	}
	return out, nil
}

func (a *Adapter) NewStream(pm *catalog.ProviderModel, orig *providers.ChatRequest) providers.Stream {
	return &stream{model: providers.ResponseModel(pm, orig)}
}

func (a *Adapter) HealthCheckRequest(p *catalog.Provider, cred providers.Credential) (*providers.Request, error) {
	return &providers.Request{
		Method:  http.MethodGet,
		URL:     providers.BaseURL(p, defaultBaseURL) + modelsPath,
		Header:  authHeader(cred),
		Timeout: providers.HealthCheckTimeout,
	}, nil
}

type stream struct {
	model string
}

func (s *stream) Transform(ev providers.Event) (*providers.Chunk, error) {
	var cc openaiSDK.ChatCompletionChunk
	if err := json.Unmarshal([]byte(ev.Data), &cc); err != nil {
		return nil, badResponse(err)
	}

	out := &providers.Chunk{
		ID:      cc.ID,
		Object:  "chat.completion.chunk",
		Created: cc.Created,
		Model:   s.model,
		Choices: make([]providers.ChunkChoice, 0, len(cc.Choices)),
	}
	for _, c := range cc.Choices {
		d := providers.Delta{Role: c.Delta.Role, Refusal: c.Delta.Refusal}
		if c.Delta.JSON.Content.Valid() {
			d.Content = providers.Ptr(c.Delta.Content)
		}
		for _, tc := range c.Delta.ToolCalls {
			d.ToolCalls = append(d.ToolCalls, providers.ToolCall{
				Index:    providers.Ptr(int(tc.Index)),
				ID:       tc.ID,
				Type:     tc.Type,
				Function: providers.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		var finish *string
		if c.FinishReason != "" {
			finish = providers.Ptr(finishReason(c.FinishReason))
		}
		out.Choices = append(out.Choices, providers.ChunkChoice{Index: int(c.Index), Delta: d, FinishReason: finish})
	}
	if cc.JSON.Usage.Valid() {
		out.Usage = usage(cc.Usage)
	}
	return out, nil
}

func authHeader(cred providers.Credential) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cred.APIKey)
	if cred.OrgExternalID != "" {
		h.Set("OpenAI-Organization", cred.OrgExternalID)
	}
	return h
}

func usage(u openaiSDK.CompletionUsage) *providers.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &providers.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}

func finishReason(r string) string {
	switch r {
	case providers.FinishStop, providers.FinishLength, providers.FinishToolCalls,
		providers.FinishContentFilter, providers.FinishFunctionCall:
		return r
	default:
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
