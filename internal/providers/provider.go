// Package providers defines the adapter contract shared by the four backend
// variants (OpenAI, Anthropic, Cohere and Google AI), the OpenAI wire model
// the router speaks to its callers, and the HTTP plumbing used to reach
// providers.
//
// An adapter is a pure translator: it turns an OpenAI chat request into a
// provider-native HTTP request, and the provider's reply or event stream
// back into OpenAI objects. Sending is done by Executor, so adapters can be
// exercised without a network.
package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// Credential is a decrypted provider credential.
type Credential struct {
	APIKey        string
	OrgExternalID string
	Region        string
}

// Target is everything an adapter needs to address one provider model.
type Target struct {
	ProviderModel *catalog.ProviderModel
	Credential    Credential
	Timeout       time.Duration
}

// Stream translates one provider event stream into OpenAI chunks. A Stream
// is stateful and owned by a single request.
type Stream interface {
	// Transform returns the chunk for ev, or nil when ev carries nothing
	// the caller should see.
	Transform(ev Event) (*Chunk, error)
}

// Adapter is implemented by each provider variant.
type Adapter interface {
	// Kind is one of the catalog.Kind* values.
	Kind() string
	TransformRequest(req *ChatRequest, t Target) (*Request, error)
	TransformResponse(body []byte, pm *catalog.ProviderModel, orig *ChatRequest) (*ChatResponse, error)
	NewStream(pm *catalog.ProviderModel, orig *ChatRequest) Stream
	HealthCheckRequest(p *catalog.Provider, cred Credential) (*Request, error)
}

// Registry holds one adapter per provider kind. It is built once at start
// and handed to the components that dispatch to providers.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for a provider kind.
func (r *Registry) Get(kind string) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("providers: no adapter for kind %q", kind)
	}
	return a, nil
}

// For returns the adapter serving provider p.
func (r *Registry) For(p *catalog.Provider) (Adapter, error) {
	return r.Get(p.Kind)
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Endpoint joins the provider base URL (or fallback) with the provider
// model's endpoint path (or path).
func Endpoint(pm *catalog.ProviderModel, fallbackBase, path string) string {
	base := fallbackBase
	if pm != nil && pm.Provider.BaseURL != "" {
		base = pm.Provider.BaseURL
	}
	if pm != nil && pm.EndpointPath != "" {
		path = pm.EndpointPath
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// BaseURL returns p's base URL or fallback.
func BaseURL(p *catalog.Provider, fallback string) string {
	if p != nil && p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return fallback
}

// TimeoutFor picks the call timeout: the target's own, else def. Requests
// carrying images get at least image.
func TimeoutFor(t Target, req *ChatRequest, def, image time.Duration) time.Duration {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = def
	}
	for _, m := range req.Messages {
		if m.Content.ImageCount() > 0 {
			return max(timeout, image)
		}
	}
	return timeout
}

// ResponseModel is the model name reported back to callers: the name they
// asked for.
func ResponseModel(pm *catalog.ProviderModel, orig *ChatRequest) string {
	if orig != nil && orig.Model != "" {
		return orig.Model
	}
	if pm != nil {
		return pm.Slug
	}
	return ""
}

// DropPart logs a content part the provider cannot represent. The request
// proceeds without it.
func DropPart(logger *slog.Logger, provider, role, partType string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("content_part_dropped",
		slog.String("provider", provider),
		slog.String("role", role),
		slog.String("part_type", partType),
	)
}
