package relay

import (
	"path/filepath"
	"testing"
)

func newTestSpool(t *testing.T, capacity int) *Spool {
	t.Helper()
	s, err := NewSpool(filepath.Join(t.TempDir(), "spool.json"), capacity)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	return s
}

func spoolRequest(id string) CreateEmailRequest {
	return CreateEmailRequest{Subject: "s", Recipient: "r", EmailID: id}
}

func TestSpoolFIFO(t *testing.T) {
	s := newTestSpool(t, 8)
	for _, id := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"} {
		if !s.TryEnqueue(spoolRequest(id)) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	for _, want := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"} {
		item, ok := s.TryDequeue()
		if !ok || item.Request.EmailID != want {
			t.Fatalf("dequeue = %+v, %v; want %s", item, ok, want)
		}
	}
	if _, ok := s.TryDequeue(); ok {
		t.Fatalf("dequeue from empty spool succeeded")
	}
}

func TestSpoolDropsOnOverflow(t *testing.T) {
	s := newTestSpool(t, 2)
	if !s.TryEnqueue(spoolRequest("aaaaaaaaaaaa")) || !s.TryEnqueue(spoolRequest("bbbbbbbbbbbb")) {
		t.Fatalf("fill failed")
	}
	if s.TryEnqueue(spoolRequest("cccccccccccc")) {
		t.Fatalf("overflow enqueue accepted")
	}
	if s.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", s.Depth())
	}
}

func TestSpoolRejectsMissingIdentifier(t *testing.T) {
	s := newTestSpool(t, 8)
	if s.TryEnqueue(CreateEmailRequest{Subject: "s", Recipient: "r"}) {
		t.Fatalf("enqueue without emailId accepted")
	}
}

func TestSpoolSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.json")
	s, err := NewSpool(path, 8)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	if !s.TryEnqueue(spoolRequest("aaaaaaaaaaaa")) {
		t.Fatalf("enqueue failed")
	}
	item, ok := s.TryDequeue()
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if !s.Requeue(item) {
		t.Fatalf("requeue failed")
	}

	reopened, err := NewSpool(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.TryDequeue()
	if !ok || got.Request.EmailID != "aaaaaaaaaaaa" {
		t.Fatalf("reloaded item = %+v, %v", got, ok)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 after requeue", got.Attempts)
	}
}

func TestSpoolReloadTruncatesToCapacityKeepingNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.json")
	s, err := NewSpool(path, 8)
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	for _, id := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"} {
		if !s.TryEnqueue(spoolRequest(id)) {
			t.Fatalf("enqueue %s failed", id)
		}
	}

	small, err := NewSpool(path, 2)
	if err != nil {
		t.Fatalf("reopen with smaller capacity: %v", err)
	}
	if small.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", small.Depth())
	}
	item, _ := small.TryDequeue()
	if item.Request.EmailID != "bbbbbbbbbbbb" {
		t.Fatalf("oldest retained = %s, want newest two kept", item.Request.EmailID)
	}
}

func TestSpoolBackoffCaps(t *testing.T) {
	if spoolBackoff(1) != defaultSpoolBaseDelay {
		t.Fatalf("first backoff = %v", spoolBackoff(1))
	}
	if spoolBackoff(2) != 2*defaultSpoolBaseDelay {
		t.Fatalf("second backoff = %v", spoolBackoff(2))
	}
	if spoolBackoff(50) != defaultSpoolMaxDelay {
		t.Fatalf("large backoff = %v, want cap", spoolBackoff(50))
	}
}
