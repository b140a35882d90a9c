package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultClaimTTL bounds how long a crashed request blocks its key.
	DefaultClaimTTL = 5 * time.Minute
)

// ErrInFlight is returned by Claim while another request holds the key.
var ErrInFlight = errors.New("cache: idempotent request in flight")

// Response is a completed response kept for replay.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type idemRecord struct {
	Pending  bool      `json:"pending,omitempty"`
	Response *Response `json:"response,omitempty"`
}

var pendingRecord = []byte(`{"pending":true}`)

// Idempotency claims idempotency keys and stores completed responses in a
// Cache. A key moves from absent to pending on Claim, then to completed on
// Complete or back to absent on Release.
type Idempotency struct {
	c        Cache
	ttl      time.Duration
	claimTTL time.Duration
}

func NewIdempotency(c Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{c: c, ttl: ttl, claimTTL: min(DefaultClaimTTL, ttl)}
}

// IdempotencyKey scopes a client supplied key to an API key.
func IdempotencyKey(apiKeyID, key string) string {
	return "idem:" + apiKeyID + ":" + key
}

// Claim takes key for the caller. It returns the stored response when the
// key already completed, ErrInFlight while another request holds it, and
// (nil, nil) when the caller now owns it.
func (s *Idempotency) Claim(ctx context.Context, key string) (*Response, error) {
	for range 2 {
		ok, err := s.c.SetNX(ctx, key, pendingRecord, s.claimTTL)
		if err != nil {
			return nil, fmt.Errorf("cache: claim: %w", err)
		}
		if ok {
			return nil, nil
		}

		raw, found := s.c.Get(ctx, key)
		if !found {
			// Released or expired between the two calls.
			continue
		}
		var rec idemRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("cache: claim: decode %s: %w", key, err)
		}
		if rec.Response != nil {
			return rec.Response, nil
		}
		return nil, ErrInFlight
	}
	return nil, ErrInFlight
}

// Complete stores resp under a claimed key for replay.
func (s *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(idemRecord{Response: &resp})
	if err != nil {
		return fmt.Errorf("cache: complete: %w", err)
	}
	return s.c.Set(ctx, key, raw, s.ttl)
}

// Release frees a claimed key without storing a response, so the client
// may retry.
func (s *Idempotency) Release(ctx context.Context, key string) error {
	return s.c.Delete(ctx, key)
}
