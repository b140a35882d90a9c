package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/catalog"
	"github.com/nulpointcorp/llm-router/internal/usagelog"
)

const requestTypeChat = "chat.completions"

// record queues the request, response and usage rows of c on the usage
// log. out is nil when no provider produced a response.
func (g *Gateway) record(c *call, out *outcome, status, errClass string) {
	if g.usage == nil {
		return
	}
	now := time.Now().UTC()

	meta := map[string]any{}
	if c.req != nil {
		for k, v := range c.req.Metadata {
			meta[k] = v
		}
	}
	if c.attempts > 0 {
		meta["attempts"] = c.attempts
	}
	if c.decision != nil {
		meta["policy"] = c.decision.PolicyName
		meta["rule_id"] = c.decision.RuleID
		meta["strategy"] = c.decision.Strategy
	}

	reqRec := catalog.RequestRecord{
		ID:             c.requestID,
		CreatedAt:      c.start.UTC(),
		IdempotencyKey: c.idempotencyKey,
		RequestType:    requestTypeChat,
		InputSize:      len(c.body),
		Status:         status,
		LatencyMs:      time.Since(c.start).Milliseconds(),
		ErrorClass:     errClass,
		ClientIP:       c.clientIP,
		UserAgent:      c.userAgent,
	}
	if c.req != nil {
		reqRec.RequestedModel = c.req.Model
	}
	if c.key != nil {
		reqRec.OrganizationID, reqRec.TeamID, reqRec.EnvironmentID = c.orgID, c.teamID, c.envID
		reqRec.APIKeyID = c.key.Key.ID
		reqRec.UserID = c.key.Key.UserID
	}

	entry := usagelog.Entry{Request: reqRec}

	if out != nil && c.served != nil {
		if out.estimated {
			meta["usage_estimated"] = true
		}
		entry.Response = &catalog.ResponseRecord{
			ID:           uuid.NewString(),
			CreatedAt:    now,
			RequestID:    c.requestID,
			FinishReason: out.finishReason,
			InputTokens:  out.usage.PromptTokens,
			OutputTokens: out.usage.CompletionTokens,
			OutputSize:   out.outputSize,
			Status:       status,
		}

		pm := c.served.Decision.ProviderModel()
		ev := &catalog.UsageEvent{
			ID:              uuid.NewString(),
			CreatedAt:       now,
			RequestID:       c.requestID,
			APIKeyID:        reqRec.APIKeyID,
			OrganizationID:  c.orgID,
			TeamID:          c.teamID,
			EnvironmentID:   c.envID,
			ProviderID:      c.served.Provider.ID,
			ProviderSlug:    c.served.Provider.Slug,
			ModelSlug:       pm.Model.Slug,
			ProviderModelID: pm.ID,
			InputTokens:     out.usage.PromptTokens,
			OutputTokens:    out.usage.CompletionTokens,
			CostMicros:      out.cost.Micros,
			Currency:        out.cost.Currency,
		}
		if c.resolved != nil && c.resolved.Alias != nil {
			ev.Alias = c.resolved.Alias.Alias
		}
		entry.Usage = ev
	}

	if len(meta) > 0 {
		entry.Request.Metadata = meta
	}
	g.usage.Log(entry)
}
