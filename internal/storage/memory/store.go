// Package memory implements the promo stores in process memory. It backs the
// "memory" storage driver and the unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

var (
	_ promo.Repository  = (*Store)(nil)
	_ promo.Ledger      = (*Store)(nil)
	_ promo.Coordinator = (*Store)(nil)
	_ promo.StatsSource = (*Store)(nil)
)

// Store keeps codes and the redemption ledger in maps. Every mutation of a
// single code (commit, update, delete) holds that code's lock, so cap checks
// and the counter increment are never interleaved.
type Store struct {
	mu          sync.RWMutex
	codes       map[uuid.UUID]*promo.Code
	byCode      map[string]uuid.UUID
	redemptions map[uuid.UUID][]promo.Redemption
	locks       map[uuid.UUID]chan struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		codes:       make(map[uuid.UUID]*promo.Code),
		byCode:      make(map[string]uuid.UUID),
		redemptions: make(map[uuid.UUID][]promo.Redemption),
		locks:       make(map[uuid.UUID]chan struct{}),
	}
}

// lockCode acquires the per-code lock or fails once ctx is done.
func (s *Store) lockCode(ctx context.Context, id uuid.UUID) (unlock func(), err error) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, errors.Wrap(promo.ErrContention, ctx.Err().Error())
	}
}

func (s *Store) get(id uuid.UUID) (promo.Code, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[id]
	if !ok {
		return promo.Code{}, false
	}
	return *c, true
}

// FindByCode returns a copy of the code, matched case-insensitively.
func (s *Store) FindByCode(_ context.Context, code string) (*promo.Code, error) {
	s.mu.RLock()
	id, ok := s.byCode[promo.NormalizeCode(code)]
	s.mu.RUnlock()
	if !ok {
		return nil, promo.ErrNotFound
	}
	c, ok := s.get(id)
	if !ok {
		return nil, promo.ErrNotFound
	}
	return &c, nil
}

// FindByID returns a copy of the code with the given id.
func (s *Store) FindByID(_ context.Context, id uuid.UUID) (*promo.Code, error) {
	c, ok := s.get(id)
	if !ok {
		return nil, promo.ErrNotFound
	}
	return &c, nil
}

// Create stores c. The code string must be unique case-insensitively.
func (s *Store) Create(_ context.Context, c *promo.Code) error {
	key := promo.NormalizeCode(c.Code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[key]; ok {
		return promo.ErrDuplicateCode
	}
	stored := *c
	s.codes[c.ID] = &stored
	s.byCode[key] = c.ID
	return nil
}

// Update writes the mutable fields of c. Code, Discount, UsedCount and
// CreatedAt are left untouched.
func (s *Store) Update(ctx context.Context, c *promo.Code) error {
	unlock, err := s.lockCode(ctx, c.ID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.codes[c.ID]
	if !ok {
		return promo.ErrNotFound
	}
	if c.MaxUses > 0 && c.MaxUses < stored.UsedCount {
		return promo.ErrMaxUsesBelowUsage
	}

	stored.Description = c.Description
	stored.MinimumPurchase = c.MinimumPurchase
	stored.MaxUses = c.MaxUses
	stored.MaxUsesPerUser = c.MaxUsesPerUser
	stored.ValidFrom = c.ValidFrom
	stored.ValidUntil = c.ValidUntil
	stored.ScopeTemplateID = c.ScopeTemplateID
	stored.ScopeCreatorID = c.ScopeCreatorID
	stored.IsActive = c.IsActive
	stored.UpdatedAt = c.UpdatedAt
	return nil
}

// Delete removes a code that has no redemptions.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	unlock, err := s.lockCode(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return promo.ErrNotFound
	}
	if len(s.redemptions[id]) > 0 {
		return promo.ErrHasRedemptions
	}
	delete(s.byCode, promo.NormalizeCode(c.Code))
	delete(s.codes, id)
	delete(s.locks, id)
	return nil
}

// List returns codes ordered by creation time, newest first.
func (s *Store) List(_ context.Context, f promo.ListFilter) ([]promo.Code, error) {
	s.mu.RLock()
	out := make([]promo.Code, 0, len(s.codes))
	for _, c := range s.codes {
		if f.ActiveOnly && !c.IsActive {
			continue
		}
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountUserRedemptions counts ledger entries of userID for a code.
func (s *Store) CountUserRedemptions(_ context.Context, promoCodeID uuid.UUID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countUser(promoCodeID, userID), nil
}

func (s *Store) countUser(promoCodeID uuid.UUID, userID string) int {
	n := 0
	for _, r := range s.redemptions[promoCodeID] {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

// ListRedemptions returns the latest redemptions of a code, newest first.
func (s *Store) ListRedemptions(_ context.Context, promoCodeID uuid.UUID, limit int) ([]promo.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.redemptions[promoCodeID]
	out := make([]promo.Redemption, 0, min(len(rs), limit))
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

// Commit re-checks every rule under the code lock, appends the redemption
// and increments UsedCount.
func (s *Store) Commit(ctx context.Context, req promo.CommitRequest) (promo.CommitResult, error) {
	unlock, err := s.lockCode(ctx, req.PromoCodeID)
	if err != nil {
		return promo.CommitResult{}, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[req.PromoCodeID]
	if !ok {
		return promo.CommitResult{Reason: promo.ReasonNotFound}, nil
	}
	if reason := req.Recheck(c, s.countUser(c.ID, req.Purchase.UserID)); reason.Rejected() {
		return promo.CommitResult{Reason: reason}, nil
	}

	r := promo.Redemption{
		ID:              uuid.New(),
		PromoCodeID:     c.ID,
		UserID:          req.Purchase.UserID,
		PurchaseAmount:  req.Purchase.PurchaseAmount,
		DiscountApplied: req.DiscountApplied,
		RedeemedAt:      req.Now,
	}
	s.redemptions[c.ID] = append(s.redemptions[c.ID], r)
	c.UsedCount++

	return promo.CommitResult{Redemption: &r}, nil
}

// Stats aggregates all codes and ledger entries.
func (s *Store) Stats(_ context.Context, now time.Time, topN int) (*promo.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &promo.Stats{GeneratedAt: now}
	var entries []promo.CodeStats
	for id, c := range s.codes {
		st.TotalCodes++
		if c.IsLive(now) {
			st.ActiveCodes++
		}

		rs := s.redemptions[id]
		if len(rs) == 0 {
			continue
		}
		e := promo.CodeStats{PromoCodeID: id, Code: c.Code, Redemptions: len(rs)}
		for _, r := range rs {
			e.TotalDiscount = e.TotalDiscount.Add(r.DiscountApplied)
		}
		st.TotalRedemptions += e.Redemptions
		st.TotalDiscount = st.TotalDiscount.Add(e.TotalDiscount)
		entries = append(entries, e)
	}
	st.Top = promo.RankCodes(entries, topN)
	if st.Top == nil {
		st.Top = []promo.CodeStats{}
	}
	return st, nil
}
