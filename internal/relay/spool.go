package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registration delivery is at-most-once per compose surface by contract; the
// spool only re-sends registrations whose first transmission failed on the
// wire. Re-POSTing the same emailId is an upsert on the server, so the retry
// is safe for the email row itself.

const (
	defaultSpoolCapacity    = 256
	defaultSpoolMaxAttempts = 5
	defaultSpoolBaseDelay   = 2 * time.Second
	defaultSpoolMaxDelay    = 2 * time.Minute
	spoolPollInterval       = 100 * time.Millisecond
)

type SpoolItem struct {
	ID         string             `json:"id"`
	Request    CreateEmailRequest `json:"request"`
	Attempts   int                `json:"attempts"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

type spoolState struct {
	Items []SpoolItem `json:"items"`
}

// Spool is a durable FIFO of registrations awaiting re-delivery. Enqueue is
// non-blocking and drops on overflow: a full spool must never stall the send
// path it is shielding.
type Spool struct {
	path     string
	capacity int

	mu    sync.Mutex
	items []SpoolItem
}

func NewSpool(path string, capacity int) (*Spool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultSpoolCapacity
	}
	s := &Spool{path: path, capacity: capacity, items: []SpoolItem{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spool) TryEnqueue(req CreateEmailRequest) bool {
	if strings.TrimSpace(req.EmailID) == "" {
		return false
	}
	item := SpoolItem{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.capacity {
		return false
	}
	s.items = append(s.items, item)
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return false
	}
	return true
}

// TryDequeue pops the oldest item, or reports false when the spool is empty.
func (s *Spool) TryDequeue() (SpoolItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return SpoolItem{}, false
	}
	item := s.items[0]
	s.items = s.items[1:]
	if err := s.saveLocked(); err != nil {
		s.items = append([]SpoolItem{item}, s.items...)
		return SpoolItem{}, false
	}
	return item, true
}

// Requeue puts a failed item back at the tail with its attempt count bumped.
func (s *Spool) Requeue(item SpoolItem) bool {
	item.Attempts++
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.capacity {
		return false
	}
	s.items = append(s.items, item)
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return false
	}
	return true
}

func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Spool) Capacity() int {
	return s.capacity
}

func (s *Spool) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot spoolState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > s.capacity {
		snapshot.Items = snapshot.Items[len(snapshot.Items)-s.capacity:]
	}
	s.items = append([]SpoolItem(nil), snapshot.Items...)
	return nil
}

func (s *Spool) saveLocked() error {
	snapshot := spoolState{Items: append([]SpoolItem(nil), s.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// RunSpoolWorker drains the spool until ctx is done, retrying each item with
// capped exponential backoff and dropping it after maxAttempts deliveries
// have failed.
func (r *Relay) RunSpoolWorker(ctx context.Context, maxAttempts int) {
	if r.spool == nil {
		return
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultSpoolMaxAttempts
	}
	for {
		item, ok := r.spool.TryDequeue()
		if !ok {
			if waitWithContext(ctx, spoolPollInterval) != nil {
				return
			}
			continue
		}
		if _, err := r.client.CreateEmail(ctx, r.store.ServerURL(), item.Request); err != nil {
			if ctx.Err() != nil {
				r.spool.Requeue(item)
				return
			}
			if item.Attempts+1 >= maxAttempts {
				r.logf("dropping registration %s after %d failed attempts: %v", item.Request.EmailID, item.Attempts+1, err)
				continue
			}
			r.spool.Requeue(item)
			if waitWithContext(ctx, spoolBackoff(item.Attempts+1)) != nil {
				return
			}
			continue
		}
		r.logf("spooled registration %s delivered", item.Request.EmailID)
	}
}

func spoolBackoff(attempt int) time.Duration {
	delay := defaultSpoolBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= defaultSpoolMaxDelay {
			return defaultSpoolMaxDelay
		}
	}
	return delay
}
