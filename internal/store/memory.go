package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and the
// one-shot local run mode.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	runs     map[string]*models.AgentRun
	accounts map[string]bool
	projects map[string]bool
	seq      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		runs:     map[string]*models.AgentRun{},
		accounts: map[string]bool{},
		projects: map[string]bool{},
	}
}

// AddAccount registers an account id so thread creation referencing it
// succeeds. Account CRUD itself lives outside the engine.
func (m *MemoryStore) AddAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = true
}

// AddProject registers a project id.
func (m *MemoryStore) AddProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = true
}

func (m *MemoryStore) CreateThread(ctx context.Context, projectID, accountID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accountID != models.DemoAccountID && !m.accounts[accountID] {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if projectID != "" && !m.projects[projectID] {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.threads[thread.ID] = thread
	m.messages[thread.ID] = []*models.Message{}
	return cloneThread(thread), nil
}

func (m *MemoryStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	delete(m.threads, threadID)
	delete(m.messages, threadID)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, threadID string, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	stored := cloneMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.ThreadID = threadID
	m.seq++
	stored.Seq = m.seq
	m.messages[threadID] = append(m.messages[threadID], stored)
	m.threads[threadID].UpdatedAt = stored.CreatedAt
	return cloneMessage(stored), nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	msgs := make([]*models.Message, 0, len(m.messages[threadID]))
	for _, msg := range m.messages[threadID] {
		msgs = append(msgs, cloneMessage(msg))
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (m *MemoryStore) ListLLMMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	all, err := m.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	llm := make([]*models.Message, 0, len(all))
	for _, msg := range all {
		if msg.IsLLMMessage {
			llm = append(llm, msg)
		}
	}
	return trimToLatestSummary(llm), nil
}

func (m *MemoryStore) DeleteMessagesByType(ctx context.Context, threadID string, typ models.MessageType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return 0, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	kept := m.messages[threadID][:0]
	deleted := 0
	for _, msg := range m.messages[threadID] {
		if msg.Type == typ {
			deleted++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[threadID] = kept
	return deleted, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[run.ThreadID]; !ok {
		return fmt.Errorf("thread %s: %w", run.ThreadID, ErrNotFound)
	}
	stored := cloneRun(run)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = models.RunPending
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	m.runs[stored.ID] = stored
	run.ID = stored.ID
	run.Status = stored.Status
	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, errText *string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if !run.Status.CanTransitionTo(status) {
		return fmt.Errorf("run %s: %s -> %s: %w", runID, run.Status, status, ErrConflict)
	}
	run.Status = status
	if errText != nil {
		run.Error = *errText
	}
	if completedAt != nil {
		t := completedAt.UTC()
		run.CompletedAt = &t
	}
	if status == models.RunRunning && run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneThread(t *models.Thread) *models.Thread {
	c := *t
	return &c
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.Content.Parts != nil {
		c.Content.Parts = append([]models.ContentPart(nil), m.Content.Parts...)
	}
	return &c
}

func cloneRun(r *models.AgentRun) *models.AgentRun {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
