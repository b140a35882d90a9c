// Package googleai adapts the Google AI (Gemini API) generateContent
// endpoint. Wire types come from google.golang.org/genai; the HTTP call
// itself goes through the shared executor.
package googleai

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	modelPath      = "/v1beta/models/{model}"
	modelsPath     = "/v1beta/models"
	providerName   = "google-ai"

	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"
)

var defaultParams = map[string]string{
	providers.ParamMaxOutputTokens:  "maxOutputTokens",
	providers.ParamTemperature:      "temperature",
	providers.ParamTopP:             "topP",
	providers.ParamTopK:             "topK",
	providers.ParamFrequencyPenalty: "frequencyPenalty",
	providers.ParamPresencePenalty:  "presencePenalty",
	providers.ParamSeed:             "seed",
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool     `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	StopSequences      []string `json:"stopSequences,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
	ResponseMIMEType   string   `json:"responseMimeType,omitempty"`
	ResponseJSONSchema any      `json:"responseJsonSchema,omitempty"`
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

func (a *Adapter) Kind() string { return catalog.KindGoogleAI }

func (a *Adapter) TransformRequest(req *providers.ChatRequest, t providers.Target) (*providers.Request, error) {
	pm := t.ProviderModel
	if t.Credential.APIKey == "" {
		return nil, &providers.Error{Provider: providerName, Code: providers.CodeUnsupportedAuth, StatusCode: http.StatusUnauthorized, Message: "no API key for provider"}
	}

	gr, err := a.buildRequest(req)
	if err != nil {
		return nil, invalid(err)
	}
	body, err := json.Marshal(gr)
	if err != nil {
		return nil, invalid(err)
	}
	pmap := providers.ParamMap{Prefix: "generationConfig.", Defaults: defaultParams, Overrides: pm.ParameterMapping}
	if body, err = pmap.Apply(body, req.Raw, providers.ParamStream, providers.ParamResponseFormat); err != nil {
		return nil, invalid(err)
	}

	method := methodGenerate
	if req.Stream {
		method = methodStream
	}
	u := endpoint(pm, method)
	if req.Stream {
		u += "?alt=sse"
	}

	h := header(t.Credential)
	h.Set("Content-Type", "application/json")
	return &providers.Request{
		Method: http.MethodPost,
		URL:    u,
		Header: h,
		Body:   body,
		Stream: req.Stream,
	}, nil
}

func endpoint(pm *catalog.ProviderModel, method string) string {
	p := modelPath
	if pm.EndpointPath != "" {
		p = pm.EndpointPath
	}
	p = strings.ReplaceAll(p, "{model}", pm.Slug)
	if !strings.Contains(p, ":") {
		p += ":" + method
	}
	return providers.BaseURL(&pm.Provider, defaultBaseURL) + "/" + strings.TrimLeft(p, "/")
}

func (a *Adapter) buildRequest(req *providers.ChatRequest) (*generateRequest, error) {
	gr := &generateRequest{Contents: make([]*genai.Content, 0, len(req.Messages))}

	var system []*genai.Part
	toolNames := make(map[string]string)

	push := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(gr.Contents); n > 0 && gr.Contents[n-1].Role == role {
			gr.Contents[n-1].Parts = append(gr.Contents[n-1].Parts, parts...)
			return
		}
		gr.Contents = append(gr.Contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if text := m.Content.PlainText(); text != "" {
				system = append(system, &genai.Part{Text: text})
			}
		case "assistant", "model":
			parts := a.parts(m)
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				toolNames[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}})
			}
			push(genai.RoleModel, parts)
		case "tool", "function":
			name := toolNames[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			push(genai.RoleUser, []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     name,
				Response: map[string]any{"content": m.Content.PlainText()},
			}}})
		default:
			push(genai.RoleUser, a.parts(m))
		}
	}
	if len(system) > 0 {
		gr.SystemInstruction = &genai.Content{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			d := &genai.FunctionDeclaration{Name: tool.Function.Name, Description: tool.Function.Description}
			if len(tool.Function.Parameters) > 0 {
				d.ParametersJsonSchema = tool.Function.Parameters
			}
			decls = append(decls, d)
		}
		gr.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if len(req.ToolChoice) > 0 {
		cfg, err := toolConfig(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		gr.ToolConfig = cfg
	}

	gc := &generationConfig{StopSequences: req.Stop}
	if req.N != nil && *req.N > 1 {
		gc.CandidateCount = *req.N
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			gc.ResponseMIMEType = "application/json"
		case "json_schema":
			gc.ResponseMIMEType = "application/json"
			var wrapper struct {
				Schema json.RawMessage `json:"schema"`
			}
			if err := json.Unmarshal(rf.JSONSchema, &wrapper); err == nil && len(wrapper.Schema) > 0 {
				gc.ResponseJSONSchema = wrapper.Schema
			}
		}
	}
	if gc.StopSequences != nil || gc.CandidateCount > 0 || gc.ResponseMIMEType != "" {
		gr.GenerationConfig = gc
	}
	return gr, nil
}

func (a *Adapter) parts(m providers.Message) []*genai.Part {
	src := m.Content.PartList()
	out := make([]*genai.Part, 0, len(src))
	for _, p := range src {
		switch p.Type {
		case providers.PartText:
			if p.Text != "" {
				out = append(out, &genai.Part{Text: p.Text})
			}
		case providers.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			if part := mediaPart(p.ImageURL.URL); part != nil {
				out = append(out, part)
				continue
			}
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		case providers.PartInputAudio:
			if p.InputAudio == nil {
				providers.DropPart(a.logger, providerName, m.Role, p.Type)
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InputAudio.Data)
			if err != nil {
				providers.DropPart(a.logger, providerName, m.Role, p.Type)
				continue
			}
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: "audio/" + p.InputAudio.Format, Data: data}})
		case providers.PartFile:
			if p.File != nil {
				if part := mediaPart(p.File.FileData); part != nil {
					out = append(out, part)
					continue
				}
			}
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		default:
			providers.DropPart(a.logger, providerName, m.Role, p.Type)
		}
	}
	return out
}

// mediaPart turns a data URL into inline data and an http(s) URL into a
// file reference.
func mediaPart(u string) *genai.Part {
	if mediaType, data, ok := providers.ParseDataURL(u); ok {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mediaType, Data: raw}}
	}
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "gs://") {
		mimeType := mime.TypeByExtension(path.Ext(strings.SplitN(u, "?", 2)[0]))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return genai.NewPartFromURI(u, mimeType)
	}
	return nil
}

func toolConfig(raw json.RawMessage) (*genai.ToolConfig, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		fc := &genai.FunctionCallingConfig{}
		switch mode {
		case "auto":
			fc.Mode = genai.FunctionCallingConfigModeAuto
		case "required":
			fc.Mode = genai.FunctionCallingConfigModeAny
		case "none":
			fc.Mode = genai.FunctionCallingConfigModeNone
		default:
			return nil, fmt.Errorf("unsupported tool_choice %q", mode)
		}
		return &genai.ToolConfig{FunctionCallingConfig: fc}, nil
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, fmt.Errorf("invalid tool_choice")
	}
	return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
		Mode:                 genai.FunctionCallingConfigModeAny,
		AllowedFunctionNames: []string{named.Function.Name},
	}}, nil
}

func (a *Adapter) TransformResponse(body []byte, pm *catalog.ProviderModel, orig *providers.ChatRequest) (*providers.ChatResponse, error) {
	var gr genai.GenerateContentResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, badResponse(err)
	}

	out := &providers.ChatResponse{
		ID:      responseID(gr.ResponseID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   providers.ResponseModel(pm, orig),
		Usage:   usage(gr.UsageMetadata),
	}

	if len(gr.Candidates) == 0 && gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		out.Choices = []providers.Choice{{
			Message:      providers.ResponseMessage{Role: "assistant", Content: providers.Ptr("")},
			FinishReason: providers.Ptr(providers.FinishContentFilter),
		}}
		return out, nil
	}

	for i, c := range gr.Candidates {
		if c == nil {
			continue
		}
		text, reasoning, calls := split(c.Content, 0)
		msg := providers.ResponseMessage{
			Role:             "assistant",
			Content:          providers.Ptr(text),
			ReasoningContent: reasoning,
			ToolCalls:        calls,
		}
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: providers.Ptr(finishReason(c.FinishReason, len(calls) > 0)),
		})
	}
	return out, nil
}

func (a *Adapter) NewStream(pm *catalog.ProviderModel, orig *providers.ChatRequest) providers.Stream {
	return &stream{
		id:      responseID(""),
		model:   providers.ResponseModel(pm, orig),
		created: time.Now().Unix(),
	}
}

func (a *Adapter) HealthCheckRequest(p *catalog.Provider, cred providers.Credential) (*providers.Request, error) {
	return &providers.Request{
		Method:  http.MethodGet,
		URL:     providers.BaseURL(p, defaultBaseURL) + modelsPath + "?pageSize=1",
		Header:  header(cred),
		Timeout: providers.HealthCheckTimeout,
	}, nil
}

type stream struct {
	id      string
	model   string
	created int64
	started bool
	tools   int
}

func (s *stream) Transform(ev providers.Event) (*providers.Chunk, error) {
	var gr genai.GenerateContentResponse
	if err := json.Unmarshal([]byte(ev.Data), &gr); err != nil {
		return nil, badResponse(err)
	}
	if len(gr.Candidates) == 0 || gr.Candidates[0] == nil {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return providers.NewChunk(s.id, s.model, s.created, providers.Delta{}, providers.Ptr(providers.FinishContentFilter)), nil
		}
		return nil, nil
	}

	c := gr.Candidates[0]
	text, reasoning, calls := split(c.Content, s.tools)
	s.tools += len(calls)

	d := providers.Delta{ReasoningContent: reasoning, ToolCalls: calls}
	if text != "" || !s.started {
		d.Content = providers.Ptr(text)
	}
	if !s.started {
		d.Role = "assistant"
		s.started = true
	}

	var finish *string
	if c.FinishReason != "" {
		finish = providers.Ptr(finishReason(c.FinishReason, s.tools > 0))
	}
	if finish == nil && d.Content == nil && d.ReasoningContent == "" && len(d.ToolCalls) == 0 {
		return nil, nil
	}

	chunk := providers.NewChunk(s.id, s.model, s.created, d, finish)
	if finish != nil {
		chunk.Usage = usage(gr.UsageMetadata)
	}
	return chunk, nil
}

// split separates a candidate's parts into answer text, thought text and
// function calls. Tool call indexes start at base.
func split(content *genai.Content, base int) (text, reasoning string, calls []providers.ToolCall) {
	if content == nil {
		return "", "", nil
	}
	var tb, rb strings.Builder
	for _, p := range content.Parts {
		switch {
		case p == nil:
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			if p.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			id := p.FunctionCall.ID
			if id == "" {
				id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
			}
			calls = append(calls, providers.ToolCall{
				Index:    providers.Ptr(base + len(calls)),
				ID:       id,
				Type:     "function",
				Function: providers.FunctionCall{Name: p.FunctionCall.Name, Arguments: string(args)},
			})
		case p.Thought:
			rb.WriteString(p.Text)
		default:
			tb.WriteString(p.Text)
		}
	}
	return tb.String(), rb.String(), calls
}

func usage(m *genai.GenerateContentResponseUsageMetadata) *providers.Usage {
	if m == nil {
		return nil
	}
	in := int64(m.PromptTokenCount)
	out := int64(m.CandidatesTokenCount) + int64(m.ThoughtsTokenCount)
	return &providers.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func finishReason(r genai.FinishReason, toolCalls bool) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return providers.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation,
		"BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return providers.FinishContentFilter
	case genai.FinishReasonStop:
		if toolCalls {
			return providers.FinishToolCalls
		}
		return providers.FinishStop
	default:
		return providers.FinishStop
	}
}

func responseID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.NewString()
}

func header(cred providers.Credential) http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", cred.APIKey)
	return h
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
