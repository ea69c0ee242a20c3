package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// DefaultDisputePeriod is the window length used when none is configured.
const DefaultDisputePeriod = 48 * time.Hour

// Lifecycle is the market state machine. It owns markets and resolution
// records and is the only component that changes a market's status.
type Lifecycle struct {
	store         domain.Store
	locker        *MarketLocker
	authz         domain.Authorizer
	disputePeriod time.Duration
	metrics       *metrics.Recorder
	logger        *slog.Logger
	nowFn         func() time.Time
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(
	store domain.Store,
	locker *MarketLocker,
	authz domain.Authorizer,
	disputePeriod time.Duration,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *Lifecycle {
	if disputePeriod <= 0 {
		disputePeriod = DefaultDisputePeriod
	}
	if locker == nil {
		locker = NewMarketLocker(nil, 0, rec)
	}
	return &Lifecycle{
		store:         store,
		locker:        locker,
		authz:         authz,
		disputePeriod: disputePeriod,
		metrics:       rec,
		logger:        logger.With(slog.String("component", "lifecycle")),
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock. Used by tests and replays.
func (l *Lifecycle) SetClock(now func() time.Time) { l.nowFn = now }

func (l *Lifecycle) now() time.Time { return l.nowFn() }

// WithMarket runs fn under the market's lock inside one store transaction,
// handing it the market row as re-read inside that transaction.
func (l *Lifecycle) WithMarket(ctx context.Context, marketID string, fn func(tx domain.Tx, m domain.Market) error) error {
	unlock, err := l.locker.Lock(ctx, marketID)
	if err != nil {
		return err
	}
	defer unlock()

	return l.store.InTx(ctx, func(tx domain.Tx) error {
		m, err := tx.Markets().GetForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("lifecycle: load market %s: %w", marketID, err)
		}
		return fn(tx, m)
	})
}

// CreateMarket registers a new market in the active state.
func (l *Lifecycle) CreateMarket(ctx context.Context, p domain.Principal, id, question string) (domain.Market, error) {
	if strings.TrimSpace(question) == "" {
		return domain.Market{}, &domain.ValidationError{Field: "question", Code: "missing_question", Reason: "must not be empty"}
	}
	if err := l.authz.Authorize(ctx, p, domain.ActionCreateMarket); err != nil {
		return domain.Market{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := l.now()
	m := domain.Market{
		ID:        id,
		Question:  strings.TrimSpace(question),
		Status:    domain.MarketStatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.Markets().Create(ctx, m); err != nil {
			return fmt.Errorf("lifecycle: create market %s: %w", id, err)
		}
		return l.appendEvent(ctx, tx, domain.Event{
			MarketID: id,
			Type:     domain.EventMarketCreated,
			ToStatus: domain.MarketStatusActive,
			Actor:    p.ID,
		})
	})
	if err != nil {
		return domain.Market{}, err
	}
	l.logger.InfoContext(ctx, "market created", slog.String("market_id", id), slog.String("actor", p.ID))
	return m, nil
}

// ProposeResolution records a resolver's outcome and opens the dispute
// window. From active it needs no prior unresolved record; from
// disputed_resolution it replaces the invalidated record and requires the
// replace permission.
func (l *Lifecycle) ProposeResolution(ctx context.Context, p domain.Principal, marketID string, prop domain.ResolutionProposal) (domain.ResolutionRecord, error) {
	if err := prop.Validate(); err != nil {
		return domain.ResolutionRecord{}, err
	}
	if err := l.authz.Authorize(ctx, p, domain.ActionProposeResolution); err != nil {
		return domain.ResolutionRecord{}, err
	}
	replaceErr := l.authz.Authorize(ctx, p, domain.ActionReplaceResolution)

	var rec domain.ResolutionRecord
	err := l.WithMarket(ctx, marketID, func(tx domain.Tx, m domain.Market) error {
		switch m.Status {
		case domain.MarketStatusActive:
			if m.ActiveResolutionID != "" {
				prev, err := tx.Resolutions().Get(ctx, m.ActiveResolutionID)
				if err != nil {
					return fmt.Errorf("lifecycle: load resolution %s: %w", m.ActiveResolutionID, err)
				}
				if !prev.Settled() {
					return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "propose resolution while one is unresolved"}
				}
			}
		case domain.MarketStatusDisputedResolution:
			if replaceErr != nil {
				return replaceErr
			}
		case domain.MarketStatusResolved:
			return fmt.Errorf("lifecycle: propose resolution on %s: %w", m.ID, domain.ErrAlreadyResolved)
		default:
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "propose resolution"}
		}

		now := l.now()
		rec = domain.ResolutionRecord{
			ID:               uuid.NewString(),
			MarketID:         m.ID,
			Outcome:          prop.Outcome,
			Source:           prop.Source,
			Confidence:       prop.Confidence,
			Evidence:         prop.Evidence,
			ProposedBy:       p.ID,
			ProposedAt:       now,
			DisputeWindowEnd: now.Add(l.disputePeriod),
		}
		if err := tx.Resolutions().Create(ctx, rec); err != nil {
			return fmt.Errorf("lifecycle: create resolution for %s: %w", m.ID, err)
		}
		superseded := ""
		if m.Status == domain.MarketStatusDisputedResolution && m.ActiveResolutionID != "" {
			superseded = m.ActiveResolutionID
			if err := tx.Resolutions().MarkSuperseded(ctx, superseded, rec.ID); err != nil {
				return fmt.Errorf("lifecycle: supersede resolution %s: %w", superseded, err)
			}
		}

		m.ActiveResolutionID = rec.ID
		end := rec.DisputeWindowEnd
		m.DisputePeriodEnd = &end
		if _, err := l.Transition(ctx, tx, m, domain.MarketStatusPendingResolution, p.ID); err != nil {
			return err
		}
		detail := map[string]any{
			"outcome":            string(rec.Outcome),
			"source":             string(rec.Source),
			"confidence":         string(rec.Confidence),
			"dispute_window_end": rec.DisputeWindowEnd,
		}
		if superseded != "" {
			detail["supersedes"] = superseded
		}
		return l.appendEvent(ctx, tx, domain.Event{
			MarketID:     m.ID,
			Type:         domain.EventResolutionProposed,
			Actor:        p.ID,
			ResolutionID: rec.ID,
			Detail:       detail,
		})
	})
	if err != nil {
		return domain.ResolutionRecord{}, err
	}
	l.logger.InfoContext(ctx, "resolution proposed",
		slog.String("market_id", marketID),
		slog.String("resolution_id", rec.ID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Time("dispute_window_end", rec.DisputeWindowEnd),
	)
	return rec, nil
}

// Transition moves m to the target status inside tx, persisting the market
// and appending a transition event. m must have been read in tx.
func (l *Lifecycle) Transition(ctx context.Context, tx domain.Tx, m domain.Market, to domain.MarketStatus, actor string) (domain.Market, error) {
	from := m.Status
	if !domain.CanTransition(from, to) {
		if from == domain.MarketStatusResolved {
			return m, fmt.Errorf("lifecycle: %s -> %s on %s: %w", from, to, m.ID, domain.ErrAlreadyResolved)
		}
		return m, &domain.TransitionError{MarketID: m.ID, From: from, Attempted: "move to " + string(to)}
	}
	m.Status = to
	m.UpdatedAt = l.now()
	updated, err := tx.Markets().Update(ctx, m)
	if err != nil {
		return m, fmt.Errorf("lifecycle: update market %s: %w", m.ID, err)
	}
	if err := l.appendEvent(ctx, tx, domain.Event{
		MarketID:     m.ID,
		Type:         domain.EventMarketTransitioned,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		ResolutionID: m.ActiveResolutionID,
	}); err != nil {
		return m, err
	}
	l.metrics.Transition(string(from), string(to))
	return updated, nil
}

// Resolve settles the market on its active record's proposed outcome. The
// final outcome is a check-and-set; a second attempt sees ErrAlreadyResolved.
func (l *Lifecycle) Resolve(ctx context.Context, tx domain.Tx, m domain.Market, rec domain.ResolutionRecord, actor string) (domain.Market, error) {
	if m.Status == domain.MarketStatusResolved || rec.Settled() {
		return m, fmt.Errorf("lifecycle: resolve %s: %w", m.ID, domain.ErrAlreadyResolved)
	}
	now := l.now()
	if err := tx.Resolutions().SetFinalOutcome(ctx, rec.ID, rec.Outcome, now); err != nil {
		return m, fmt.Errorf("lifecycle: finalize resolution %s: %w", rec.ID, err)
	}
	updated, err := l.Transition(ctx, tx, m, domain.MarketStatusResolved, actor)
	if err != nil {
		return m, err
	}
	if err := l.appendEvent(ctx, tx, domain.Event{
		MarketID:     m.ID,
		Type:         domain.EventMarketSettled,
		ToStatus:     domain.MarketStatusResolved,
		Actor:        actor,
		ResolutionID: rec.ID,
		Detail:       map[string]any{"final_outcome": string(rec.Outcome)},
	}); err != nil {
		return m, err
	}
	l.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", m.ID),
		slog.String("resolution_id", rec.ID),
		slog.String("final_outcome", string(rec.Outcome)),
		slog.String("actor", actor),
	)
	return updated, nil
}

// SettleElapsed resolves a pending_resolution market whose dispute window
// has run out with no undecided disputes. It reports whether this call
// settled the market. Losing a settlement race is not an error.
func (l *Lifecycle) SettleElapsed(ctx context.Context, marketID, actor string) (bool, error) {
	if actor == "" {
		actor = domain.SystemActor
	}
	settled := false
	err := l.WithMarket(ctx, marketID, func(tx domain.Tx, m domain.Market) error {
		if m.Status == domain.MarketStatusResolved {
			return domain.ErrAlreadyResolved
		}
		if m.Status != domain.MarketStatusPendingResolution || m.ActiveResolutionID == "" {
			return nil
		}
		rec, err := tx.Resolutions().Get(ctx, m.ActiveResolutionID)
		if err != nil {
			return fmt.Errorf("lifecycle: load resolution %s: %w", m.ActiveResolutionID, err)
		}
		if !rec.WindowElapsedAt(l.now()) {
			return nil
		}
		disputes, err := tx.Disputes().ListByResolution(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("lifecycle: list disputes for %s: %w", rec.ID, err)
		}
		for _, d := range disputes {
			if d.Status.Open() {
				return nil
			}
		}
		if _, err := l.Resolve(ctx, tx, m, rec, actor); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyResolved) {
		l.logger.DebugContext(ctx, "settle elapsed: already resolved", slog.String("market_id", marketID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return settled, nil
}

// RequestSettlement is SettleElapsed on behalf of an authenticated caller.
func (l *Lifecycle) RequestSettlement(ctx context.Context, p domain.Principal, marketID string) (bool, error) {
	if err := l.authz.Authorize(ctx, p, domain.ActionSettleMarket); err != nil {
		return false, err
	}
	if _, err := l.store.Markets().Get(ctx, marketID); err != nil {
		return false, fmt.Errorf("lifecycle: settle %s: %w", marketID, err)
	}
	return l.SettleElapsed(ctx, marketID, p.ID)
}

// Freeze moves a market into locked, remembering where it came from.
func (l *Lifecycle) Freeze(ctx context.Context, p domain.Principal, marketID, reason string) (domain.Market, error) {
	if err := l.authz.Authorize(ctx, p, domain.ActionFreezeMarket); err != nil {
		return domain.Market{}, err
	}
	var out domain.Market
	err := l.WithMarket(ctx, marketID, func(tx domain.Tx, m domain.Market) error {
		if m.Status == domain.MarketStatusResolved {
			return fmt.Errorf("lifecycle: freeze %s: %w", m.ID, domain.ErrAlreadyResolved)
		}
		if !domain.CanTransition(m.Status, domain.MarketStatusLocked) {
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "freeze"}
		}
		from := m.Status
		m.LockedFrom = from
		m.Status = domain.MarketStatusLocked
		m.UpdatedAt = l.now()
		updated, err := tx.Markets().Update(ctx, m)
		if err != nil {
			return fmt.Errorf("lifecycle: freeze %s: %w", m.ID, err)
		}
		out = updated
		l.metrics.Transition(string(from), string(domain.MarketStatusLocked))
		return l.appendEvent(ctx, tx, domain.Event{
			MarketID:   m.ID,
			Type:       domain.EventMarketFrozen,
			FromStatus: from,
			ToStatus:   domain.MarketStatusLocked,
			Actor:      p.ID,
			Detail:     map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return domain.Market{}, err
	}
	l.logger.WarnContext(ctx, "market frozen", slog.String("market_id", marketID), slog.String("actor", p.ID), slog.String("reason", reason))
	return out, nil
}

// Unlock returns a locked market to the status it was frozen from.
func (l *Lifecycle) Unlock(ctx context.Context, p domain.Principal, marketID string) (domain.Market, error) {
	if err := l.authz.Authorize(ctx, p, domain.ActionFreezeMarket); err != nil {
		return domain.Market{}, err
	}
	var out domain.Market
	err := l.WithMarket(ctx, marketID, func(tx domain.Tx, m domain.Market) error {
		if m.Status != domain.MarketStatusLocked || !m.LockedFrom.Valid() {
			return &domain.TransitionError{MarketID: m.ID, From: m.Status, Attempted: "unlock"}
		}
		to := m.LockedFrom
		m.Status = to
		m.LockedFrom = ""
		m.UpdatedAt = l.now()
		updated, err := tx.Markets().Update(ctx, m)
		if err != nil {
			return fmt.Errorf("lifecycle: unlock %s: %w", m.ID, err)
		}
		out = updated
		l.metrics.Transition(string(domain.MarketStatusLocked), string(to))
		return l.appendEvent(ctx, tx, domain.Event{
			MarketID:   m.ID,
			Type:       domain.EventMarketUnlocked,
			FromStatus: domain.MarketStatusLocked,
			ToStatus:   to,
			Actor:      p.ID,
		})
	})
	if err != nil {
		return domain.Market{}, err
	}
	l.logger.InfoContext(ctx, "market unlocked", slog.String("market_id", marketID), slog.String("status", string(out.Status)))
	return out, nil
}

// View assembles the UI read model with the window evaluated now.
func (l *Lifecycle) View(ctx context.Context, marketID string) (domain.MarketView, error) {
	m, err := l.store.Markets().Get(ctx, marketID)
	if err != nil {
		return domain.MarketView{}, fmt.Errorf("lifecycle: view %s: %w", marketID, err)
	}
	disputes, err := l.store.Disputes().ListByMarket(ctx, marketID)
	if err != nil {
		return domain.MarketView{}, fmt.Errorf("lifecycle: view disputes %s: %w", marketID, err)
	}
	now := l.now()
	view := domain.MarketView{Market: m, Disputes: disputes, EvaluatedAt: now}
	if view.Disputes == nil {
		view.Disputes = []domain.Dispute{}
	}
	if m.ActiveResolutionID == "" {
		return view, nil
	}
	rec, err := l.store.Resolutions().Get(ctx, m.ActiveResolutionID)
	if err != nil {
		return domain.MarketView{}, fmt.Errorf("lifecycle: view resolution %s: %w", m.ActiveResolutionID, err)
	}
	view.Resolution = &rec
	open := m.Status == domain.MarketStatusPendingResolution || m.Status == domain.MarketStatusDisputing
	if open && rec.WindowOpenAt(now) {
		view.WindowOpen = true
		view.WindowRemaining = rec.DisputeWindowEnd.Sub(now)
	}
	if m.Status == domain.MarketStatusPendingResolution && rec.WindowElapsedAt(now) {
		view.SettlementDue = true
		for _, d := range disputes {
			if d.ResolutionID == rec.ID && d.Status.Open() {
				view.SettlementDue = false
				break
			}
		}
	}
	return view, nil
}

// List returns markets, optionally filtered by status.
func (l *Lifecycle) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	if status != "" && !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Code: "invalid_status", Reason: "unknown market status"}
	}
	markets, err := l.store.Markets().List(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list markets: %w", err)
	}
	return markets, nil
}

// Events returns the audit trail of one market, oldest first.
func (l *Lifecycle) Events(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	if _, err := l.store.Markets().Get(ctx, marketID); err != nil {
		return nil, fmt.Errorf("lifecycle: events %s: %w", marketID, err)
	}
	events, err := l.store.Events().ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: events %s: %w", marketID, err)
	}
	return events, nil
}

// Audit returns the event log across markets, newest first.
func (l *Lifecycle) Audit(ctx context.Context, p domain.Principal, opts domain.ListOpts) ([]domain.Event, error) {
	if err := l.authz.Authorize(ctx, p, domain.ActionReadAudit); err != nil {
		return nil, err
	}
	events, err := l.store.Events().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: audit: %w", err)
	}
	return events, nil
}

// DueMarkets lists markets whose window has elapsed but which are not yet
// resolved.
func (l *Lifecycle) DueMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	markets, err := l.store.Markets().ListDue(ctx, l.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list due markets: %w", err)
	}
	return markets, nil
}

func (l *Lifecycle) appendEvent(ctx context.Context, tx domain.Tx, e domain.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now()
	}
	if err := tx.Events().Append(ctx, e); err != nil {
		return fmt.Errorf("lifecycle: append %s event for %s: %w", e.Type, e.MarketID, err)
	}
	return nil
}
