package storage

import (
	"fmt"
	"sync"
)

// MockStorage is an in-memory Interface for tests and mock mode.
type MockStorage struct {
	mu              sync.Mutex
	token           *Token
	saveError       error
	loadError       error
	saveCallCount   int
	deleteCallCount int
}

// NewMockStorage returns a store preloaded with token, which may be nil.
func NewMockStorage(token *Token) *MockStorage {
	m := &MockStorage{}
	if token != nil {
		cp := *token
		m.token = &cp
	}
	return m
}

func (m *MockStorage) Load() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadError != nil {
		return nil, m.loadError
	}
	if m.token == nil {
		return nil, ErrNotFound
	}
	cp := *m.token
	return &cp, nil
}

func (m *MockStorage) Save(token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if token == nil {
		return fmt.Errorf("saving token: nil token")
	}
	cp := *token
	m.token = &cp
	return nil
}

func (m *MockStorage) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCallCount++
	m.token = nil
	return nil
}

// SetSaveError makes subsequent Save calls fail.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

// SetLoadError makes subsequent Load calls fail.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	m.loadError = err
	m.mu.Unlock()
}

// SaveCallCount returns how many times Save was called.
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// DeleteCallCount returns how many times Delete was called.
func (m *MockStorage) DeleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCallCount
}
