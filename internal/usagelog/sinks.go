package usagelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// ── gorm ─────────────────────────────────────────────────────────────────────

// GormSink writes into the catalog database tables of the record types.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) *GormSink { return &GormSink{db: db} }

func (s *GormSink) Write(ctx context.Context, batch []Entry) error {
	reqs, resps, usage := split(batch)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(reqs) > 0 {
			if err := tx.CreateInBatches(reqs, DefaultBatchSize).Error; err != nil {
				return fmt.Errorf("usagelog: insert requests: %w", err)
			}
		}
		if len(resps) > 0 {
			if err := tx.CreateInBatches(resps, DefaultBatchSize).Error; err != nil {
				return fmt.Errorf("usagelog: insert responses: %w", err)
			}
		}
		if len(usage) > 0 {
			if err := tx.CreateInBatches(usage, DefaultBatchSize).Error; err != nil {
				return fmt.Errorf("usagelog: insert usage: %w", err)
			}
		}
		return nil
	})
}

// Close leaves the database open; it belongs to the catalog.
func (s *GormSink) Close() error { return nil }

func split(batch []Entry) ([]catalog.RequestRecord, []catalog.ResponseRecord, []catalog.UsageEvent) {
	reqs := make([]catalog.RequestRecord, 0, len(batch))
	var resps []catalog.ResponseRecord
	var usage []catalog.UsageEvent
	for _, e := range batch {
		reqs = append(reqs, e.Request)
		if e.Response != nil {
			resps = append(resps, *e.Response)
		}
		if e.Usage != nil {
			usage = append(usage, *e.Usage)
		}
	}
	return reqs, resps, usage
}

// ── ClickHouse ───────────────────────────────────────────────────────────────

type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

const (
	chRequestsTable = "llm_requests"
	chUsageTable    = "llm_usage_events"
)

var chSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + chRequestsTable + ` (
		id String,
		created_at DateTime64(3, 'UTC'),
		organization_id String,
		team_id String,
		environment_id String,
		api_key_id String,
		requested_model String,
		input_size UInt32,
		status String,
		latency_ms UInt32,
		error_class String,
		finish_reason String,
		input_tokens UInt32,
		output_tokens UInt32,
		output_size UInt32
	) ENGINE = MergeTree ORDER BY (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS ` + chUsageTable + ` (
		id String,
		created_at DateTime64(3, 'UTC'),
		request_id String,
		api_key_id String,
		organization_id String,
		team_id String,
		environment_id String,
		provider_slug String,
		model_slug String,
		provider_model_id String,
		alias String,
		input_tokens UInt32,
		output_tokens UInt32,
		cost_micros Int64,
		currency LowCardinality(String)
	) ENGINE = MergeTree ORDER BY (created_at, id)`,
}

// batchConn is the part of driver.Conn the sink uses.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseSink appends request rows, joined with their response, and usage
// events into two MergeTree tables.
type ClickHouseSink struct {
	conn batchConn
}

// NewClickHouseSink connects, pings and creates the tables when missing.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("usagelog: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usagelog: clickhouse ping: %w", err)
	}
	for _, ddl := range chSchema {
		if err := conn.Exec(ctx, ddl); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("usagelog: clickhouse schema: %w", err)
		}
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []Entry) error {
	reqs, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+chRequestsTable)
	if err != nil {
		return fmt.Errorf("usagelog: clickhouse prepare: %w", err)
	}
	var usage []catalog.UsageEvent
	for _, e := range batch {
		r := e.Request
		var finish string
		var in, out int64
		var size int
		if e.Response != nil {
			finish, in, out, size = e.Response.FinishReason, e.Response.InputTokens, e.Response.OutputTokens, e.Response.OutputSize
		}
		if err := reqs.Append(
			r.ID, r.CreatedAt, r.OrganizationID, r.TeamID, r.EnvironmentID, r.APIKeyID,
			r.RequestedModel, uint32(r.InputSize), r.Status, uint32(r.LatencyMs), r.ErrorClass,
			finish, uint32(in), uint32(out), uint32(size),
		); err != nil {
			_ = reqs.Abort()
			return fmt.Errorf("usagelog: clickhouse append request: %w", err)
		}
		if e.Usage != nil {
			usage = append(usage, *e.Usage)
		}
	}
	if err := reqs.Send(); err != nil {
		return fmt.Errorf("usagelog: clickhouse send requests: %w", err)
	}
	if len(usage) == 0 {
		return nil
	}

	ub, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+chUsageTable)
	if err != nil {
		return fmt.Errorf("usagelog: clickhouse prepare: %w", err)
	}
	for _, u := range usage {
		if err := ub.Append(
			u.ID, u.CreatedAt, u.RequestID, u.APIKeyID, u.OrganizationID, u.TeamID, u.EnvironmentID,
			u.ProviderSlug, u.ModelSlug, u.ProviderModelID, u.Alias,
			uint32(u.InputTokens), uint32(u.OutputTokens), u.CostMicros, u.Currency,
		); err != nil {
			_ = ub.Abort()
			return fmt.Errorf("usagelog: clickhouse append usage: %w", err)
		}
	}
	if err := ub.Send(); err != nil {
		return fmt.Errorf("usagelog: clickhouse send usage: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// ── slog ─────────────────────────────────────────────────────────────────────

// LogSink writes one structured event per entry.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) Write(ctx context.Context, batch []Entry) error {
	for _, e := range batch {
		attrs := []slog.Attr{
			slog.String("request_id", e.Request.ID),
			slog.String("api_key_id", e.Request.APIKeyID),
			slog.String("team_id", e.Request.TeamID),
			slog.String("requested_model", e.Request.RequestedModel),
			slog.String("status", e.Request.Status),
			slog.Int64("latency_ms", e.Request.LatencyMs),
			slog.Time("created_at", e.Request.CreatedAt.UTC()),
		}
		if e.Request.ErrorClass != "" {
			attrs = append(attrs, slog.String("error_class", e.Request.ErrorClass))
		}
		if e.Response != nil {
			attrs = append(attrs, slog.String("finish_reason", e.Response.FinishReason))
		}
		if u := e.Usage; u != nil {
			attrs = append(attrs,
				slog.String("provider", u.ProviderSlug),
				slog.String("model", u.ModelSlug),
				slog.Int64("input_tokens", u.InputTokens),
				slog.Int64("output_tokens", u.OutputTokens),
				slog.Int64("cost_micros", u.CostMicros),
				slog.String("currency", u.Currency),
			)
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "usage_recorded", attrs...)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ── fan-out ──────────────────────────────────────────────────────────────────

// Multi writes every batch to each sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, batch []Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Write(context.Context, []Entry) error { return nil }
func (Discard) Close() error                         { return nil }
