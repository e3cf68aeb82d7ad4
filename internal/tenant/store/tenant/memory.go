package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"unigate/internal/tenant/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// InMemory stores tenants in maps keyed by id and lower-cased university code.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[id.TenantID]*models.Tenant
	byCode map[string]id.TenantID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[id.TenantID]*models.Tenant),
		byCode: make(map[string]id.TenantID),
	}
}

// CreateIfCodeAvailable inserts t unless its university code is taken.
func (s *InMemory) CreateIfCodeAvailable(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(t.UniversityCode)
	if _, taken := s.byCode[key]; taken {
		return fmt.Errorf("university code %s: %w", t.UniversityCode, sentinel.ErrAlreadyUsed)
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byCode[key] = t.ID
	s.journal(ctx, t.ID, nil, &cp)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *InMemory) FindByCode(_ context.Context, code string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenantID, ok := s.byCode[strings.ToLower(code)]
	if !ok {
		return nil, fmt.Errorf("university code %s: %w", code, sentinel.ErrNotFound)
	}
	cp := *s.byID[tenantID]
	return &cp, nil
}

func (s *InMemory) Update(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[t.ID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", t.ID, sentinel.ErrNotFound)
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.journal(ctx, t.ID, prev, &cp)
	return nil
}

// Execute runs validate then mutate on a copy under the write lock and
// persists it only when validate passes.
func (s *InMemory) Execute(ctx context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, mutate func(*models.Tenant)) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
	}
	cp := *t
	if err := validate(&cp); err != nil {
		return nil, err
	}
	mutate(&cp)
	s.byID[tenantID] = &cp
	s.journal(ctx, tenantID, t, &cp)
	out := cp
	return &out, nil
}

// journal registers the undo of a write with the transaction in ctx. The
// undo applies only while written is still the stored record. Callers hold
// the write lock.
func (s *InMemory) journal(ctx context.Context, tenantID id.TenantID, prev, written *models.Tenant) {
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.byID[tenantID] != written {
			return
		}
		if prev != nil {
			s.byID[tenantID] = prev
			return
		}
		delete(s.byID, tenantID)
		key := strings.ToLower(written.UniversityCode)
		if s.byCode[key] == tenantID {
			delete(s.byCode, key)
		}
	})
}
