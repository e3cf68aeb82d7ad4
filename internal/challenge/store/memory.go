package store

import (
	"context"
	"fmt"
	"sync"

	"unigate/internal/challenge/models"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

type key struct {
	subject string
	purpose models.Purpose
}

// InMemory keeps one challenge per (subject, purpose).
type InMemory struct {
	mu         sync.RWMutex
	challenges map[key]*models.Challenge
}

func NewInMemory() *InMemory {
	return &InMemory{challenges: make(map[key]*models.Challenge)}
}

// Upsert replaces any prior challenge for the pair.
func (s *InMemory) Upsert(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(ctx, key{c.SubjectKey, c.Purpose}, c.Clone())
	return nil
}

func (s *InMemory) Find(_ context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[key{subjectKey, purpose}]
	if !ok {
		return nil, fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

// MarkVerified flags the challenge only while it still carries codeHash.
func (s *InMemory) MarkVerified(ctx context.Context, subjectKey string, purpose models.Purpose, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{subjectKey, purpose}
	c, ok := s.challenges[k]
	if !ok || c.CodeHash != codeHash {
		return fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
	}
	next := c.Clone()
	next.Verified = true
	s.set(ctx, k, next)
	return nil
}

func (s *InMemory) Delete(ctx context.Context, subjectKey string, purpose models.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{subjectKey, purpose}
	if _, ok := s.challenges[k]; !ok {
		return fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
	}
	s.set(ctx, k, nil)
	return nil
}

// set stores next at k, or deletes k when next is nil, and journals the
// prior value with the transaction in ctx. Rollback restores it only while
// next is still current. Callers hold the write lock.
func (s *InMemory) set(ctx context.Context, k key, next *models.Challenge) {
	prev := s.challenges[k]
	if next == nil {
		delete(s.challenges, k)
	} else {
		s.challenges[k] = next
	}
	txcontext.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.challenges[k] != next {
			return
		}
		if prev == nil {
			delete(s.challenges, k)
			return
		}
		s.challenges[k] = prev
	})
}
