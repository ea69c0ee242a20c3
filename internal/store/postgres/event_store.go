package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// EventStore implements domain.EventStore on the market_events table, which
// is both the audit log and the outbox. seq orders events globally.
type EventStore struct {
	q querier
}

const eventCols = `seq, id, market_id, event_type, from_status, to_status, actor,
	dispute_id, resolution_id, detail, occurred_at, published_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var typ, from, to string
	var detailJSON []byte
	err := row.Scan(
		&e.Seq, &e.ID, &e.MarketID, &typ, &from, &to, &e.Actor,
		&e.DisputeID, &e.ResolutionID, &detailJSON, &e.OccurredAt, &e.PublishedAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	e.Type = domain.EventType(typ)
	e.FromStatus = domain.MarketStatus(from)
	e.ToStatus = domain.MarketStatus(to)
	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return domain.Event{}, fmt.Errorf("unmarshal event detail: %w", err)
		}
	}
	return e, nil
}

// Append inserts an event. The detail map is stored as JSONB.
func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	var detailJSON []byte
	if e.Detail != nil {
		var err error
		if detailJSON, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("postgres: marshal event detail: %w", err)
		}
	}

	const query = `
		INSERT INTO market_events (
			id, market_id, event_type, from_status, to_status, actor,
			dispute_id, resolution_id, detail, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query,
		e.ID, e.MarketID, string(e.Type), string(e.FromStatus), string(e.ToStatus), e.Actor,
		e.DisputeID, e.ResolutionID, detailJSON, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", e.Type, err)
	}
	return nil
}

func (s *EventStore) query(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	events, err := collect(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}

// ListByMarket returns a market's events in the order they were written.
func (s *EventStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM market_events WHERE market_id = $1`
	args := []any{marketID}
	query, args = withRange(query, args, "occurred_at", opts)
	query += " ORDER BY seq"
	query, args = withPage(query, args, opts)
	return s.query(ctx, query, args)
}

// List returns the audit log, newest first.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM market_events WHERE 1=1`
	var args []any
	query, args = withRange(query, args, "occurred_at", opts)
	query += " ORDER BY seq DESC"
	query, args = withPage(query, args, opts)
	return s.query(ctx, query, args)
}

// ListUnpublished returns the oldest events not yet delivered to every sink.
func (s *EventStore) ListUnpublished(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM market_events WHERE published_at IS NULL ORDER BY seq`
	query, args := withPage(query, nil, domain.ListOpts{Limit: limit})
	return s.query(ctx, query, args)
}

// MarkPublished stamps the given events as delivered.
func (s *EventStore) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx,
		`UPDATE market_events SET published_at = $2 WHERE id = ANY($1) AND published_at IS NULL`,
		ids, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark %d events published: %w", len(ids), err)
	}
	return nil
}
