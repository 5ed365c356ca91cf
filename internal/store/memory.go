package store

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps the backlog in process memory. Its contents are lost on restart.
type InMemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]BacklogEntry
	inbound map[string]DedupRecord
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[int64]BacklogEntry),
		inbound: make(map[string]DedupRecord),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) EnqueueBacklogEntry(entry BacklogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := prepareEntry(entry, s.now())
	// Round to the stored precision so every backend reports the same values.
	e.Timestamp = fromMillis(toMillis(e.Timestamp))
	e.CreatedAt = fromMillis(toMillis(e.CreatedAt))
	e.LastRetryAt = nil
	e.LastError = ""
	s.nextID++
	e.ID = s.nextID
	s.entries[e.ID] = e
	return e.ID, nil
}

func (s *InMemoryStore) ListActionable(limit int) ([]BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BacklogEntry
	for _, e := range s.entries {
		if e.Status.IsActionable() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *InMemoryStore) GetBacklogEntry(id int64) (*BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) MarkProcessing(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.Status.IsActionable() {
		return fmt.Errorf("%w: id %d", ErrEntryNotFound, id)
	}
	e.Status = BacklogStatusProcessing
	s.touch(&e)
	s.entries[id] = e
	return nil
}

func (s *InMemoryStore) MarkSuccess(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrEntryNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

func (s *InMemoryStore) MarkFailed(id int64, retryCount int, errMsg string) error {
	return s.update(id, BacklogStatusFailed, retryCount, errMsg)
}

func (s *InMemoryStore) MarkAbandoned(id int64, retryCount int, reason string) error {
	return s.update(id, BacklogStatusAbandoned, retryCount, reason)
}

func (s *InMemoryStore) update(id int64, status BacklogStatus, retryCount int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrEntryNotFound, id)
	}
	e.Status = status
	e.RetryCount = retryCount
	e.LastError = msg
	s.touch(&e)
	s.entries[id] = e
	return nil
}

func (s *InMemoryStore) touch(e *BacklogEntry) {
	t := fromMillis(toMillis(s.now()))
	e.LastRetryAt = &t
}

func (s *InMemoryStore) CountByStatus() (map[BacklogStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[BacklogStatus]int)
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (s *InMemoryStore) OldestPendingAge(now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, e := range s.entries {
		if e.Status == BacklogStatusAbandoned || e.Status == BacklogStatusSuccess {
			continue
		}
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	if oldest.IsZero() || now.Before(oldest) {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

func (s *InMemoryStore) DeleteTerminalBefore(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.Status != BacklogStatusAbandoned && e.Status != BacklogStatusSuccess {
			continue
		}
		if lastActivity(e).Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleProcessing(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.Status == BacklogStatusProcessing && lastActivity(e).Before(staleBefore) {
			e.Status = BacklogStatusFailed
			s.entries[id] = e
			n++
		}
	}
	return n, nil
}

func lastActivity(e BacklogEntry) time.Time {
	if e.LastRetryAt != nil {
		return *e.LastRetryAt
	}
	return e.CreatedAt
}

func (s *InMemoryStore) RecordInbound(messageID, origin string, reclaimBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		if r.ProcessedAt != nil || !r.ReceivedAt.Before(reclaimBefore) {
			return false, nil
		}
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, Origin: origin, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	r.ProcessedAt = &now
	s.inbound[messageID] = r
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, messageID)
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.inbound {
		if r.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
