package providers

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Logical parameter keys. Provider model parameter mappings are keyed by
// these names; values are the provider-native field names.
const (
	ParamMaxOutputTokens   = "maxOutputTokens"
	ParamTemperature       = "temperature"
	ParamTopP              = "topP"
	ParamMinP              = "minP"
	ParamTopK              = "topK"
	ParamTopA              = "topA"
	ParamFrequencyPenalty  = "frequencyPenalty"
	ParamRepetitionPenalty = "repetitionPenalty"
	ParamPresencePenalty   = "presencePenalty"
	ParamResponseFormat    = "responseFormat"
	ParamLogitBias         = "logitBias"
	ParamTopLogprobs       = "topLogprobs"
	ParamReasoning         = "reasoning"
	ParamStream            = "stream"
	ParamSeed              = "seed"
	ParamWebSearchOptions  = "webSearchOptions"
)

// openAIParams maps OpenAI request field names to logical keys.
var openAIParams = map[string]string{
	"max_tokens":            ParamMaxOutputTokens,
	"max_completion_tokens": ParamMaxOutputTokens,
	"temperature":           ParamTemperature,
	"top_p":                 ParamTopP,
	"min_p":                 ParamMinP,
	"top_k":                 ParamTopK,
	"top_a":                 ParamTopA,
	"frequency_penalty":     ParamFrequencyPenalty,
	"repetition_penalty":    ParamRepetitionPenalty,
	"presence_penalty":      ParamPresencePenalty,
	"response_format":       ParamResponseFormat,
	"logit_bias":            ParamLogitBias,
	"top_logprobs":          ParamTopLogprobs,
	"reasoning":             ParamReasoning,
	"stream":                ParamStream,
	"seed":                  ParamSeed,
	"web_search_options":    ParamWebSearchOptions,
}

// LogicalParam returns the logical key of an OpenAI request field.
func LogicalParam(field string) (string, bool) {
	k, ok := openAIParams[field]
	return k, ok
}

// ParamMap resolves logical keys to native field paths. Overrides come from
// the provider model and win over the adapter's defaults; an override with
// an empty value drops the parameter. Native names are relative to Prefix
// unless they contain a '.'.
type ParamMap struct {
	Prefix    string
	Defaults  map[string]string
	Overrides map[string]string
}

// Native returns the sjson path for a logical key.
func (m ParamMap) Native(logical string) (string, bool) {
	name, ok := m.Overrides[logical]
	if !ok {
		name, ok = m.Defaults[logical]
	}
	if !ok || name == "" {
		return "", false
	}
	if strings.Contains(name, ".") {
		return name, true
	}
	return m.Prefix + name, true
}

// Apply copies every mappable top-level field of the OpenAI request raw
// onto body under its native path. Fields whose logical key is in skip are
// left to the adapter.
func (m ParamMap) Apply(body, raw []byte, skip ...string) ([]byte, error) {
	var err error
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		logical, ok := openAIParams[key.Str]
		if !ok || value.Type == gjson.Null || contains(skip, logical) {
			return true
		}
		path, ok := m.Native(logical)
		if !ok {
			return true
		}
		body, err = sjson.SetRawBytes(body, path, []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply parameters: %w", err)
	}
	return body, nil
}

// Rename rewrites an OpenAI body in place for an OpenAI-compatible
// provider: only fields with an override are renamed or dropped, the rest
// pass through unchanged.
func (m ParamMap) Rename(body []byte) ([]byte, error) {
	var renames [][2]string
	gjson.ParseBytes(body).ForEach(func(key, _ gjson.Result) bool {
		logical, ok := openAIParams[key.Str]
		if !ok {
			return true
		}
		target, ok := m.Overrides[logical]
		if !ok || target == key.Str {
			return true
		}
		renames = append(renames, [2]string{key.Str, target})
		return true
	})

	var err error
	for _, r := range renames {
		from, to := r[0], r[1]
		value := gjson.GetBytes(body, from)
		if body, err = sjson.DeleteBytes(body, from); err != nil {
			return nil, fmt.Errorf("rename %s: %w", from, err)
		}
		if to == "" {
			continue
		}
		if body, err = sjson.SetRawBytes(body, to, []byte(value.Raw)); err != nil {
			return nil, fmt.Errorf("rename %s: %w", from, err)
		}
	}
	return body, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
