package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"unigate/internal/identity/models"
	id "unigate/pkg/domain"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

func tenantKey(tenantID id.TenantID, value string) string {
	return tenantID.String() + "|" + strings.ToLower(value)
}

func claim(index map[string]id.PrincipalID, key string, owner id.PrincipalID) {
	if _, taken := index[key]; !taken {
		index[key] = owner
	}
}

func release(index map[string]id.PrincipalID, key string, owner id.PrincipalID) {
	if index[key] == owner {
		delete(index, key)
	}
}

// AdminMemory keeps admins with a global email index.
type AdminMemory struct {
	mu      sync.RWMutex
	byID    map[id.PrincipalID]*models.Admin
	byEmail map[string]id.PrincipalID
}

func NewAdminMemory() *AdminMemory {
	return &AdminMemory{
		byID:    make(map[id.PrincipalID]*models.Admin),
		byEmail: make(map[string]id.PrincipalID),
	}
}

func (s *AdminMemory) Create(ctx context.Context, a *models.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(a.Email)
	if _, taken := s.byEmail[key]; taken {
		return models.NewDuplicate(models.FieldEmail)
	}
	cp := *a
	s.byID[a.ID] = &cp
	s.byEmail[key] = a.ID
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.byID[cp.ID] != &cp {
			return
		}
		delete(s.byID, cp.ID)
		if s.byEmail[key] == cp.ID {
			delete(s.byEmail, key)
		}
	})
	return nil
}

func (s *AdminMemory) FindByID(_ context.Context, adminID id.PrincipalID) (*models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[adminID]
	if !ok {
		return nil, fmt.Errorf("admin %s: %w", adminID, sentinel.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *AdminMemory) FindByEmail(_ context.Context, email string) (*models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adminID, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("admin %s: %w", email, sentinel.ErrNotFound)
	}
	cp := *s.byID[adminID]
	return &cp, nil
}


// FacultyMemory indexes faculty by (tenant, email) always and by
// (tenant, employee id) once the record has left pending_approval.
type FacultyMemory struct {
	mu         sync.RWMutex
	byID       map[id.PrincipalID]*models.Faculty
	byEmail    map[string]id.PrincipalID
	byEmployee map[string]id.PrincipalID
}

func NewFacultyMemory() *FacultyMemory {
	return &FacultyMemory{
		byID:       make(map[id.PrincipalID]*models.Faculty),
		byEmail:    make(map[string]id.PrincipalID),
		byEmployee: make(map[string]id.PrincipalID),
	}
}

func employeeIndexed(f *models.Faculty) bool {
	return f.State != models.FacultyStatePendingApproval
}

func (s *FacultyMemory) Create(ctx context.Context, f *models.Faculty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(f); err != nil {
		return err
	}
	s.journal(ctx, nil, s.put(f))
	return nil
}

func (s *FacultyMemory) Update(ctx context.Context, f *models.Faculty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[f.ID]
	if !ok {
		return fmt.Errorf("faculty %s: %w", f.ID, sentinel.ErrNotFound)
	}
	if err := s.checkUnique(f); err != nil {
		return err
	}
	s.unindex(prev)
	s.journal(ctx, prev, s.put(f))
	return nil
}

// journal registers the undo of a write with the transaction in ctx. The
// undo applies only while written is still the stored record.
func (s *FacultyMemory) journal(ctx context.Context, prev, written *models.Faculty) {
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.byID[written.ID] != written {
			return
		}
		s.unindex(written)
		if prev == nil {
			delete(s.byID, written.ID)
			return
		}
		s.byID[prev.ID] = prev
		s.index(prev)
	})
}

func (s *FacultyMemory) checkUnique(f *models.Faculty) error {
	if other, taken := s.byEmail[tenantKey(f.TenantID, f.Email)]; taken && other != f.ID {
		return models.NewDuplicate(models.FieldEmail)
	}
	if employeeIndexed(f) {
		if other, taken := s.byEmployee[tenantKey(f.TenantID, f.EmployeeID)]; taken && other != f.ID {
			return models.NewDuplicate(models.FieldEmployeeID)
		}
	}
	return nil
}

func (s *FacultyMemory) put(f *models.Faculty) *models.Faculty {
	cp := *f
	s.byID[f.ID] = &cp
	s.index(&cp)
	return &cp
}

// index claims the record's keys unless another record holds them.
func (s *FacultyMemory) index(f *models.Faculty) {
	claim(s.byEmail, tenantKey(f.TenantID, f.Email), f.ID)
	if employeeIndexed(f) {
		claim(s.byEmployee, tenantKey(f.TenantID, f.EmployeeID), f.ID)
	}
}

func (s *FacultyMemory) unindex(f *models.Faculty) {
	release(s.byEmail, tenantKey(f.TenantID, f.Email), f.ID)
	if employeeIndexed(f) {
		release(s.byEmployee, tenantKey(f.TenantID, f.EmployeeID), f.ID)
	}
}

func (s *FacultyMemory) FindByID(_ context.Context, facultyID id.PrincipalID) (*models.Faculty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byID[facultyID]
	if !ok {
		return nil, fmt.Errorf("faculty %s: %w", facultyID, sentinel.ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *FacultyMemory) FindByEmail(_ context.Context, tenantID id.TenantID, email string) (*models.Faculty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facultyID, ok := s.byEmail[tenantKey(tenantID, email)]
	if !ok {
		return nil, fmt.Errorf("faculty %s: %w", email, sentinel.ErrNotFound)
	}
	cp := *s.byID[facultyID]
	return &cp, nil
}


// StudentMemory indexes students by (tenant, email) always and by
// (tenant, register number) once the email is verified.
type StudentMemory struct {
	mu         sync.RWMutex
	byID       map[id.PrincipalID]*models.Student
	byEmail    map[string]id.PrincipalID
	byRegister map[string]id.PrincipalID
}

func NewStudentMemory() *StudentMemory {
	return &StudentMemory{
		byID:       make(map[id.PrincipalID]*models.Student),
		byEmail:    make(map[string]id.PrincipalID),
		byRegister: make(map[string]id.PrincipalID),
	}
}

func registerIndexed(st *models.Student) bool {
	return st.State != models.StudentStatePending
}

func (s *StudentMemory) Create(ctx context.Context, st *models.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(st); err != nil {
		return err
	}
	s.journal(ctx, nil, s.put(st))
	return nil
}

func (s *StudentMemory) Update(ctx context.Context, st *models.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[st.ID]
	if !ok {
		return fmt.Errorf("student %s: %w", st.ID, sentinel.ErrNotFound)
	}
	if err := s.checkUnique(st); err != nil {
		return err
	}
	s.unindex(prev)
	s.journal(ctx, prev, s.put(st))
	return nil
}

func (s *StudentMemory) journal(ctx context.Context, prev, written *models.Student) {
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.byID[written.ID] != written {
			return
		}
		s.unindex(written)
		if prev == nil {
			delete(s.byID, written.ID)
			return
		}
		s.byID[prev.ID] = prev
		s.index(prev)
	})
}

func (s *StudentMemory) checkUnique(st *models.Student) error {
	if other, taken := s.byEmail[tenantKey(st.TenantID, st.Email)]; taken && other != st.ID {
		return models.NewDuplicate(models.FieldEmail)
	}
	if registerIndexed(st) {
		if other, taken := s.byRegister[tenantKey(st.TenantID, st.RegisterNumber)]; taken && other != st.ID {
			return models.NewDuplicate(models.FieldRegisterNumber)
		}
	}
	return nil
}

func (s *StudentMemory) put(st *models.Student) *models.Student {
	cp := *st
	s.byID[st.ID] = &cp
	s.index(&cp)
	return &cp
}

func (s *StudentMemory) index(st *models.Student) {
	claim(s.byEmail, tenantKey(st.TenantID, st.Email), st.ID)
	if registerIndexed(st) {
		claim(s.byRegister, tenantKey(st.TenantID, st.RegisterNumber), st.ID)
	}
}

func (s *StudentMemory) unindex(st *models.Student) {
	release(s.byEmail, tenantKey(st.TenantID, st.Email), st.ID)
	if registerIndexed(st) {
		release(s.byRegister, tenantKey(st.TenantID, st.RegisterNumber), st.ID)
	}
}

func (s *StudentMemory) FindByID(_ context.Context, studentID id.PrincipalID) (*models.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[studentID]
	if !ok {
		return nil, fmt.Errorf("student %s: %w", studentID, sentinel.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *StudentMemory) FindByEmail(_ context.Context, tenantID id.TenantID, email string) (*models.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	studentID, ok := s.byEmail[tenantKey(tenantID, email)]
	if !ok {
		return nil, fmt.Errorf("student %s: %w", email, sentinel.ErrNotFound)
	}
	cp := *s.byID[studentID]
	return &cp, nil
}

