// Package memory implements the workflow's storage and collaborator
// interfaces in process memory. Transactions run on a copy of the state that
// replaces the live state on commit, so a failed transaction leaves nothing
// behind. Transactions are serialized.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type state struct {
	markets      map[string]domain.Market
	resolutions  map[string]domain.ResolutionRecord
	disputes     map[string]domain.Dispute
	stakes       map[string]domain.StakeEntry
	instructions map[string]domain.LedgerInstruction
	events       []domain.Event
	seq          int64
}

func newState() *state {
	return &state{
		markets:      make(map[string]domain.Market),
		resolutions:  make(map[string]domain.ResolutionRecord),
		disputes:     make(map[string]domain.Dispute),
		stakes:       make(map[string]domain.StakeEntry),
		instructions: make(map[string]domain.LedgerInstruction),
	}
}

func (s *state) clone() *state {
	c := &state{
		markets:      make(map[string]domain.Market, len(s.markets)),
		resolutions:  make(map[string]domain.ResolutionRecord, len(s.resolutions)),
		disputes:     make(map[string]domain.Dispute, len(s.disputes)),
		stakes:       make(map[string]domain.StakeEntry, len(s.stakes)),
		instructions: make(map[string]domain.LedgerInstruction, len(s.instructions)),
		events:       append([]domain.Event(nil), s.events...),
		seq:          s.seq,
	}
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.resolutions {
		c.resolutions[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.stakes {
		c.stakes[k] = v
	}
	for k, v := range s.instructions {
		c.instructions[k] = v
	}
	return c
}

// Store implements domain.Store.
type Store struct {
	mu sync.Mutex
	st *state
	view
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{st: newState()}
	s.view = view{store: s}
	return s
}

// InTx runs fn against a private copy of the state and publishes the copy
// when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// view is either bound to a transaction's working state or, outside a
// transaction, to the store, in which case each call locks the store.
type view struct {
	store *Store
	st    *state
}

func (v *view) do(fn func(st *state) error) error {
	if v.st != nil {
		return fn(v.st)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.st)
}

func (v *view) Markets() domain.MarketStore           { return marketRepo{v} }
func (v *view) Resolutions() domain.ResolutionStore   { return resolutionRepo{v} }
func (v *view) Disputes() domain.DisputeStore         { return disputeRepo{v} }
func (v *view) Stakes() domain.StakeStore             { return stakeRepo{v} }
func (v *view) Events() domain.EventStore             { return eventRepo{v} }
func (v *view) Instructions() domain.InstructionStore { return instructionRepo{v} }

type marketRepo struct{ v *view }

func (r marketRepo) Create(_ context.Context, m domain.Market) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.markets[m.ID]; ok {
			return domain.ErrAlreadyExists
		}
		if m.Version == 0 {
			m.Version = 1
		}
		st.markets[m.ID] = m
		return nil
	})
}

func (r marketRepo) Get(_ context.Context, id string) (domain.Market, error) {
	var out domain.Market
	err := r.v.do(func(st *state) error {
		m, ok := st.markets[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (r marketRepo) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return r.Get(ctx, id)
}

func (r marketRepo) Update(_ context.Context, m domain.Market) (domain.Market, error) {
	err := r.v.do(func(st *state) error {
		cur, ok := st.markets[m.ID]
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != m.Version {
			return domain.ErrStaleVersion
		}
		m.Version++
		st.markets[m.ID] = m
		return nil
	})
	return m, err
}

func (r marketRepo) List(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	err := r.v.do(func(st *state) error {
		for _, m := range st.markets {
			if status != "" && m.Status != status {
				continue
			}
			if !inRange(m.CreatedAt, opts) {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, opts), err
}

func (r marketRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	var out []domain.Market
	err := r.v.do(func(st *state) error {
		for _, m := range st.markets {
			if m.Status == domain.MarketStatusPendingResolution && m.DisputePeriodEnd != nil && !m.DisputePeriodEnd.After(now) {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DisputePeriodEnd.Before(*out[j].DisputePeriodEnd) })
	return page(out, domain.ListOpts{Limit: limit}), err
}

type resolutionRepo struct{ v *view }

func (r resolutionRepo) Create(_ context.Context, rec domain.ResolutionRecord) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.resolutions[rec.ID]; ok {
			return domain.ErrAlreadyExists
		}
		st.resolutions[rec.ID] = rec
		return nil
	})
}

func (r resolutionRepo) Get(_ context.Context, id string) (domain.ResolutionRecord, error) {
	var out domain.ResolutionRecord
	err := r.v.do(func(st *state) error {
		rec, ok := st.resolutions[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = rec
		return nil
	})
	return out, err
}

func (r resolutionRepo) ListByMarket(_ context.Context, marketID string) ([]domain.ResolutionRecord, error) {
	var out []domain.ResolutionRecord
	err := r.v.do(func(st *state) error {
		for _, rec := range st.resolutions {
			if rec.MarketID == marketID {
				out = append(out, rec)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out, err
}

func (r resolutionRepo) MarkSuperseded(_ context.Context, id, by string) error {
	return r.v.do(func(st *state) error {
		rec, ok := st.resolutions[id]
		if !ok {
			return domain.ErrNotFound
		}
		rec.SupersededBy = by
		st.resolutions[id] = rec
		return nil
	})
}

func (r resolutionRepo) SetFinalOutcome(_ context.Context, id string, outcome domain.Outcome, at time.Time) error {
	return r.v.do(func(st *state) error {
		rec, ok := st.resolutions[id]
		if !ok {
			return domain.ErrNotFound
		}
		if rec.FinalOutcome != nil {
			return domain.ErrAlreadyResolved
		}
		o := outcome
		rec.FinalOutcome = &o
		rec.SettledAt = &at
		st.resolutions[id] = rec
		return nil
	})
}

type disputeRepo struct{ v *view }

func (r disputeRepo) Create(_ context.Context, d domain.Dispute) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.disputes[d.ID]; ok {
			return domain.ErrAlreadyExists
		}
		for _, other := range st.disputes {
			if other.MarketID == d.MarketID && other.SubmitterID == d.SubmitterID && other.Status.Open() {
				return domain.ErrDuplicateActiveDispute
			}
		}
		st.disputes[d.ID] = d
		return nil
	})
}

func (r disputeRepo) Get(_ context.Context, id string) (domain.Dispute, error) {
	var out domain.Dispute
	err := r.v.do(func(st *state) error {
		d, ok := st.disputes[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = d
		return nil
	})
	return out, err
}

func (r disputeRepo) Update(_ context.Context, d domain.Dispute) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.disputes[d.ID]; !ok {
			return domain.ErrNotFound
		}
		st.disputes[d.ID] = d
		return nil
	})
}

func (r disputeRepo) FindOpen(_ context.Context, marketID, submitterID string) (domain.Dispute, error) {
	var out domain.Dispute
	err := r.v.do(func(st *state) error {
		for _, d := range st.disputes {
			if d.MarketID == marketID && d.SubmitterID == submitterID && d.Status.Open() {
				out = d
				return nil
			}
		}
		return domain.ErrNotFound
	})
	return out, err
}

func (r disputeRepo) filter(keep func(domain.Dispute) bool) ([]domain.Dispute, error) {
	var out []domain.Dispute
	err := r.v.do(func(st *state) error {
		for _, d := range st.disputes {
			if keep(d) {
				out = append(out, d)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r disputeRepo) ListByMarket(_ context.Context, marketID string) ([]domain.Dispute, error) {
	return r.filter(func(d domain.Dispute) bool { return d.MarketID == marketID })
}

func (r disputeRepo) ListByResolution(_ context.Context, resolutionID string) ([]domain.Dispute, error) {
	return r.filter(func(d domain.Dispute) bool { return d.ResolutionID == resolutionID })
}

func (r disputeRepo) ListBySubmitter(_ context.Context, submitterID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	out, err := r.filter(func(d domain.Dispute) bool {
		return d.SubmitterID == submitterID && inRange(d.CreatedAt, opts)
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return page(out, opts), err
}

type stakeRepo struct{ v *view }

func (r stakeRepo) Create(_ context.Context, e domain.StakeEntry) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.stakes[e.DisputeID]; ok {
			return domain.ErrDuplicateCommit
		}
		st.stakes[e.DisputeID] = e
		return nil
	})
}

func (r stakeRepo) Get(_ context.Context, disputeID string) (domain.StakeEntry, error) {
	var out domain.StakeEntry
	err := r.v.do(func(st *state) error {
		e, ok := st.stakes[disputeID]
		if !ok {
			return domain.ErrNotFound
		}
		out = e
		return nil
	})
	return out, err
}

func (r stakeRepo) Update(_ context.Context, e domain.StakeEntry) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.stakes[e.DisputeID]; !ok {
			return domain.ErrNotFound
		}
		st.stakes[e.DisputeID] = e
		return nil
	})
}

type eventRepo struct{ v *view }

func (r eventRepo) Append(_ context.Context, e domain.Event) error {
	return r.v.do(func(st *state) error {
		st.seq++
		e.Seq = st.seq
		st.events = append(st.events, e)
		return nil
	})
}

func (r eventRepo) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	err := r.v.do(func(st *state) error {
		for _, e := range st.events {
			if e.MarketID == marketID && inRange(e.OccurredAt, opts) {
				out = append(out, e)
			}
		}
		return nil
	})
	return page(out, opts), err
}

func (r eventRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	err := r.v.do(func(st *state) error {
		for i := len(st.events) - 1; i >= 0; i-- {
			if inRange(st.events[i].OccurredAt, opts) {
				out = append(out, st.events[i])
			}
		}
		return nil
	})
	return page(out, opts), err
}

func (r eventRepo) ListUnpublished(_ context.Context, limit int) ([]domain.Event, error) {
	var out []domain.Event
	err := r.v.do(func(st *state) error {
		for _, e := range st.events {
			if e.PublishedAt == nil {
				out = append(out, e)
			}
		}
		return nil
	})
	return page(out, domain.ListOpts{Limit: limit}), err
}

func (r eventRepo) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.v.do(func(st *state) error {
		for i := range st.events {
			if want[st.events[i].ID] && st.events[i].PublishedAt == nil {
				t := at
				st.events[i].PublishedAt = &t
			}
		}
		return nil
	})
}

type instructionRepo struct{ v *view }

func (r instructionRepo) Enqueue(_ context.Context, ins ...domain.LedgerInstruction) error {
	return r.v.do(func(st *state) error {
		for _, in := range ins {
			if _, ok := st.instructions[in.ID]; ok {
				return domain.ErrAlreadyExists
			}
		}
		for _, in := range ins {
			st.instructions[in.ID] = in
		}
		return nil
	})
}

func (r instructionRepo) list(keep func(domain.LedgerInstruction) bool) ([]domain.LedgerInstruction, error) {
	var out []domain.LedgerInstruction
	err := r.v.do(func(st *state) error {
		for _, in := range st.instructions {
			if keep(in) {
				out = append(out, in)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r instructionRepo) ListPending(_ context.Context, limit int) ([]domain.LedgerInstruction, error) {
	out, err := r.list(func(in domain.LedgerInstruction) bool { return in.Status == domain.InstructionPending })
	return page(out, domain.ListOpts{Limit: limit}), err
}

func (r instructionRepo) ListByDispute(_ context.Context, disputeID string) ([]domain.LedgerInstruction, error) {
	return r.list(func(in domain.LedgerInstruction) bool { return in.DisputeID == disputeID })
}

func (r instructionRepo) Update(_ context.Context, in domain.LedgerInstruction) error {
	return r.v.do(func(st *state) error {
		if _, ok := st.instructions[in.ID]; !ok {
			return domain.ErrNotFound
		}
		st.instructions[in.ID] = in
		return nil
	})
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*view)(nil)
)
