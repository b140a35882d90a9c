// Package capability checks a chat request against what the resolved model
// can accept: input and output modalities, context window, output token
// limit and sampling parameter ranges.
package capability

import (
	"fmt"
	"slices"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	ModalityText  = "text"
	ModalityImage = "image"
	ModalityAudio = "audio"
	ModalityFile  = "file"
)

// Token estimate constants.
const (
	tokensPerMessage = 4
	tokensPerImage   = 85
	tokensPerReply   = 3
	charsPerToken    = 4

	contextWarnRatio = 0.9
)

// Result is the outcome of Validate. Valid is false when Errors is
// non-empty.
type Result struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens"`
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// InputModalities returns the provider model's input modalities, else the
// shared model's, else text only.
func InputModalities(pm *catalog.ProviderModel) []string {
	switch {
	case len(pm.InputModalities) > 0:
		return pm.InputModalities
	case len(pm.Model.InputModalities) > 0:
		return pm.Model.InputModalities
	default:
		return []string{ModalityText}
	}
}

// OutputModalities mirrors InputModalities for outputs.
func OutputModalities(pm *catalog.ProviderModel) []string {
	switch {
	case len(pm.OutputModalities) > 0:
		return pm.OutputModalities
	case len(pm.Model.OutputModalities) > 0:
		return pm.Model.OutputModalities
	default:
		return []string{ModalityText}
	}
}

// ContextLength prefers the provider model's window over the shared model's.
// Zero means unknown.
func ContextLength(pm *catalog.ProviderModel) int {
	if pm.ContextLength > 0 {
		return pm.ContextLength
	}
	return pm.Model.ContextLength
}

// Validate checks req against pm. Only image input is enforced as an error
// among content types; other parts are left to the adapters, which drop
// what their provider cannot represent.
func Validate(req *providers.ChatRequest, pm *catalog.ProviderModel) Result {
	res := Result{}
	in := InputModalities(pm)

	images := 0
	for _, m := range req.Messages {
		images += m.Content.ImageCount()
	}
	if images > 0 && !slices.Contains(in, ModalityImage) {
		res.errorf("model %s does not accept image input", pm.Slug)
	}
	if !slices.Contains(OutputModalities(pm), ModalityText) {
		res.errorf("model %s does not produce text output", pm.Slug)
	}

	res.EstimatedTokens = EstimateTokens(req)
	maxTokens, hasMax := req.MaxOutputTokens()

	if window := ContextLength(pm); window > 0 {
		total := res.EstimatedTokens
		if hasMax {
			total += maxTokens
		}
		switch {
		case total > window:
			res.errorf("estimated %d tokens exceed the context window of %d", total, window)
		case float64(total) > contextWarnRatio*float64(window):
			res.warnf("estimated %d tokens use more than 90%% of the context window of %d", total, window)
		}
	}
	if hasMax && pm.MaxOutputTokens > 0 && maxTokens > pm.MaxOutputTokens {
		res.errorf("max_tokens %d exceeds the model limit of %d", maxTokens, pm.MaxOutputTokens)
	}

	if v := req.Temperature; v != nil && (*v < 0 || *v > 2) {
		res.errorf("temperature must be between 0 and 2")
	}
	if v := req.TopP; v != nil && (*v < 0 || *v > 1) {
		res.errorf("top_p must be between 0 and 1")
	}
	if v := req.FrequencyPenalty; v != nil && (*v < -2 || *v > 2) {
		res.errorf("frequency_penalty must be between -2 and 2")
	}
	if v := req.PresencePenalty; v != nil && (*v < -2 || *v > 2) {
		res.errorf("presence_penalty must be between -2 and 2")
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// EstimateTokens approximates the prompt size: 4 tokens of framing per
// message, one token per four characters of text, 85 per image and 3 for
// the reply primer.
func EstimateTokens(req *providers.ChatRequest) int {
	total := tokensPerReply
	for _, m := range req.Messages {
		total += tokensPerMessage
		chars := len(m.Content.PlainText())
		for _, tc := range m.ToolCalls {
			chars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
		total += (chars + charsPerToken - 1) / charsPerToken
		total += tokensPerImage * m.Content.ImageCount()
	}
	return total
}
