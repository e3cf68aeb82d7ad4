package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"unigate/internal/regcode/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// InMemory keeps registration codes keyed by code.
type InMemory struct {
	mu    sync.RWMutex
	codes map[string]*models.RegistrationCode
}

func NewInMemory() *InMemory {
	return &InMemory{codes: make(map[string]*models.RegistrationCode)}
}

// CreateBatch inserts every code or none.
func (s *InMemory) CreateBatch(ctx context.Context, codes []*models.RegistrationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if _, exists := s.codes[c.Code]; exists {
			return fmt.Errorf("registration code %s: %w", c.Code, sentinel.ErrConflict)
		}
		if _, dup := seen[c.Code]; dup {
			return fmt.Errorf("registration code %s: %w", c.Code, sentinel.ErrConflict)
		}
		seen[c.Code] = struct{}{}
	}
	for _, c := range codes {
		s.set(ctx, c.Code, clone(c))
	}
	return nil
}

func (s *InMemory) FindByCode(_ context.Context, code string) (*models.RegistrationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("registration code %s: %w", code, sentinel.ErrNotFound)
	}
	return clone(c), nil
}

// ListByTenant returns the tenant's codes, newest first.
func (s *InMemory) ListByTenant(_ context.Context, tenantID id.TenantID, filter models.Filter) ([]*models.RegistrationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RegistrationCode
	for _, c := range s.codes {
		if c.TenantID != tenantID {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Used != nil && c.Used != *filter.Used {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkUsed flips used only while the code is unused, active and unexpired.
// Any failed precondition reports ErrAlreadyUsed; callers re-read the code
// to tell the cases apart.
func (s *InMemory) MarkUsed(ctx context.Context, code string, principalID id.PrincipalID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrNotFound)
	}
	if c.Used || !c.IsActive || c.IsExpired(now) {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrAlreadyUsed)
	}
	next := clone(c)
	next.Used = true
	next.UsedBy = principalID
	next.UsedAt = &now
	s.set(ctx, code, next)
	return nil
}

// Deactivate revokes an unused code.
func (s *InMemory) Deactivate(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrNotFound)
	}
	if c.Used {
		return fmt.Errorf("registration code %s: %w", code, sentinel.ErrInvalidState)
	}
	next := clone(c)
	next.IsActive = false
	s.set(ctx, code, next)
	return nil
}

func (s *InMemory) DeleteCodes(ctx context.Context, codes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, code := range codes {
		if _, ok := s.codes[code]; ok {
			s.set(ctx, code, nil)
			deleted++
		}
	}
	return deleted, nil
}

// set stores next under code, or deletes it when next is nil, and journals
// the prior value with the transaction in ctx. Rollback restores it only
// while next is still current. Callers hold the write lock.
func (s *InMemory) set(ctx context.Context, code string, next *models.RegistrationCode) {
	prev := s.codes[code]
	if next == nil {
		delete(s.codes, code)
	} else {
		s.codes[code] = next
	}
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.codes[code] != next {
			return
		}
		if prev == nil {
			delete(s.codes, code)
			return
		}
		s.codes[code] = prev
	})
}

func clone(c *models.RegistrationCode) *models.RegistrationCode {
	cp := *c
	if c.UsedAt != nil {
		t := *c.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}
