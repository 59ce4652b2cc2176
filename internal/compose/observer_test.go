package compose

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailbeacon/mailbeacon/internal/hostdoc"
	"github.com/mailbeacon/mailbeacon/internal/relay"
)

type fakeSurface struct {
	id        string
	subject   string
	recipient string
	body      string
	plain     bool
	attached  bool
	appended  []string
}

func (s *fakeSurface) ID() string     { return s.id }
func (s *fakeSurface) Attached() bool { return s.attached }

func (s *fakeSurface) Subject() (string, error) {
	if !s.attached {
		return "", hostdoc.ErrNotAttached
	}
	return s.subject, nil
}

func (s *fakeSurface) Recipient() (string, error) {
	if !s.attached {
		return "", hostdoc.ErrNotAttached
	}
	return s.recipient, nil
}

func (s *fakeSurface) Body() (string, error) {
	if s.plain {
		return "", hostdoc.ErrNoBody
	}
	return s.body, nil
}

func (s *fakeSurface) AppendToBody(markup string) error {
	if s.plain {
		return hostdoc.ErrNoBody
	}
	s.appended = append(s.appended, markup)
	s.body += markup
	return nil
}

type fakeDocument struct {
	surfaces map[string]*fakeSurface
}

func (d *fakeDocument) ComposeSurface(id string) (hostdoc.ComposeSurface, bool) {
	s, ok := d.surfaces[id]
	if !ok || !s.attached {
		return nil, false
	}
	return s, true
}

func (d *fakeDocument) ComposeSurfaces() []hostdoc.ComposeSurface {
	var out []hostdoc.ComposeSurface
	for _, s := range d.surfaces {
		out = append(out, s)
	}
	return out
}

func (d *fakeDocument) MessageRows() []hostdoc.MessageRow { return nil }
func (d *fakeDocument) Events() <-chan hostdoc.Event      { return nil }
func (d *fakeDocument) Close() error                      { return nil }

type fakeTracker struct {
	mu      sync.Mutex
	created []relay.CreateEmailRequest
}

func (f *fakeTracker) CreateEmail(ctx context.Context, baseURL string, req relay.CreateEmailRequest) (relay.CreateEmailResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return relay.CreateEmailResponse{EmailID: req.EmailID, PixelURL: baseURL + "/t/" + req.EmailID + ".png"}, nil
}

func (f *fakeTracker) ListEmails(ctx context.Context, baseURL string, perPage int) ([]relay.EmailSummary, error) {
	return nil, nil
}

func (f *fakeTracker) GetEmail(ctx context.Context, baseURL, emailID string) (relay.EmailDetail, error) {
	return relay.EmailDetail{ID: emailID}, nil
}

func (f *fakeTracker) AddIgnoredIP(ctx context.Context, baseURL, ip, label string) (string, error) {
	return ip, nil
}

func newTestObserver(t *testing.T, doc hostdoc.Document, tracker *fakeTracker) *Observer {
	t.Helper()
	store, err := relay.NewCorrelationStore(relay.NewInMemoryStateBackend(), nil)
	if err != nil {
		t.Fatalf("NewCorrelationStore: %v", err)
	}
	rly, err := relay.New(relay.Options{Store: store, Client: tracker})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	obs, err := NewObserver(Options{Document: doc, Relay: rly})
	if err != nil {
		t.Fatalf("NewObserver: %v", err)
	}
	return obs
}

func TestSendTriggerRegistersOnce(t *testing.T) {
	surface := &fakeSurface{
		id:        "draft1.eml",
		subject:   "Meeting Notes",
		recipient: "bob@x.com",
		body:      `<html><body><a href="https://example.com/a">a</a></body></html>`,
		attached:  true,
	}
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{surface.id: surface}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	ctx := context.Background()
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SurfaceAppeared, SurfaceID: surface.id})
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SendActivated, SurfaceID: surface.id})
	// Second trigger for the same send must be a no-op.
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SubmitDetected, SurfaceID: surface.id})

	if len(tracker.created) != 1 {
		t.Fatalf("CreateEmail called %d times, want 1", len(tracker.created))
	}
	req := tracker.created[0]
	if req.Subject != "Meeting Notes" || req.Recipient != "bob@x.com" {
		t.Fatalf("unexpected registration %+v", req)
	}
	if len(req.Links) != 1 || req.Links[0] != "https://example.com/a" {
		t.Fatalf("unexpected links %v", req.Links)
	}
	if len(surface.appended) != 1 || !strings.Contains(surface.appended[0], "/t/"+req.EmailID+".png") {
		t.Fatalf("beacon not injected for %s: %v", req.EmailID, surface.appended)
	}
	if id, ok := obs.TrackingID(surface.id); !ok || id != req.EmailID {
		t.Fatalf("TrackingID = %q, %v; want %q", id, ok, req.EmailID)
	}
}

func TestPlainTextDraftRegistersWithoutBeacon(t *testing.T) {
	surface := &fakeSurface{
		id:        "plain.eml",
		subject:   "plain",
		recipient: "carol@x.com",
		plain:     true,
		attached:  true,
	}
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{surface.id: surface}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	obs.Handle(context.Background(), hostdoc.Event{Kind: hostdoc.SendActivated, SurfaceID: surface.id})

	if len(tracker.created) != 1 {
		t.Fatalf("CreateEmail called %d times, want 1", len(tracker.created))
	}
	if len(tracker.created[0].Links) != 0 {
		t.Fatalf("plain draft reported links %v", tracker.created[0].Links)
	}
	if len(surface.appended) != 0 {
		t.Fatalf("beacon injected into plain draft: %v", surface.appended)
	}
}

func TestDetachedSurfaceAbortsSilently(t *testing.T) {
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	obs.Handle(context.Background(), hostdoc.Event{Kind: hostdoc.SendActivated, SurfaceID: "gone.eml"})

	if len(tracker.created) != 0 {
		t.Fatalf("registration fired for a detached surface: %+v", tracker.created)
	}
}

func TestEmptyHeadersSkipRegistration(t *testing.T) {
	surface := &fakeSurface{id: "blank.eml", attached: true, body: "<html><body></body></html>"}
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{surface.id: surface}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	obs.Handle(context.Background(), hostdoc.Event{Kind: hostdoc.SendActivated, SurfaceID: surface.id})

	if len(tracker.created) != 0 {
		t.Fatalf("registration fired for a blank draft: %+v", tracker.created)
	}
}

func TestExtractLinksSkipsTrackerAndDuplicates(t *testing.T) {
	body := `<a href="https://example.com/a">a</a>` +
		`<a href='https://example.com/a'>again</a>` +
		`<a href="http://127.0.0.1:8000/c/abc123">tracked</a>` +
		`<a href="https://example.com/b?x=1">b</a>`
	links := ExtractLinks(body, "http://127.0.0.1:8000/")
	want := []string{"https://example.com/a", "https://example.com/b?x=1"}
	if len(links) != len(want) {
		t.Fatalf("ExtractLinks = %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("ExtractLinks[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestDetectionAssignsIdentifierAndInjectsBeacon(t *testing.T) {
	surface := &fakeSurface{
		id:        "fresh.eml",
		subject:   "Draft In Progress",
		recipient: "dana@x.com",
		body:      `<html><body><p>hi</p></body></html>`,
		attached:  true,
	}
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{surface.id: surface}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	ctx := context.Background()
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SurfaceAppeared, SurfaceID: surface.id})

	id, ok := obs.TrackingID(surface.id)
	if !ok || len(id) != 12 {
		t.Fatalf("identifier not assigned at detection: %q, %v", id, ok)
	}
	if len(surface.appended) != 1 || !strings.Contains(surface.appended[0], "/t/"+id+".png") {
		t.Fatalf("beacon not injected at detection: %v", surface.appended)
	}
	if len(tracker.created) != 0 {
		t.Fatalf("registration fired before any send trigger: %+v", tracker.created)
	}

	// Further mutations must not stack a second beacon.
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SurfaceChanged, SurfaceID: surface.id})
	if len(surface.appended) != 1 {
		t.Fatalf("beacon injected twice: %v", surface.appended)
	}
}

func TestDraftDepartedBeforeSendStillRegisters(t *testing.T) {
	surface := &fakeSurface{
		id:        "leaving.eml",
		subject:   "Ship It",
		recipient: "dana@x.com",
		body:      `<html><body><a href="https://example.com/x">x</a></body></html>`,
		attached:  true,
	}
	doc := &fakeDocument{surfaces: map[string]*fakeSurface{surface.id: surface}}
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	ctx := context.Background()
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SurfaceAppeared, SurfaceID: surface.id})
	id, ok := obs.TrackingID(surface.id)
	if !ok {
		t.Fatalf("no identifier after detection")
	}

	// Sending moves the draft out of the document before the trigger lands.
	surface.attached = false
	delete(doc.surfaces, surface.id)

	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SendActivated, SurfaceID: surface.id})
	obs.Handle(ctx, hostdoc.Event{Kind: hostdoc.SubmitDetected, SurfaceID: surface.id})

	if len(tracker.created) != 1 {
		t.Fatalf("CreateEmail called %d times for a departed draft, want 1", len(tracker.created))
	}
	req := tracker.created[0]
	if req.EmailID != id || req.Subject != "Ship It" || req.Recipient != "dana@x.com" {
		t.Fatalf("registration lost captured data: %+v (want id %s)", req, id)
	}
	if len(req.Links) != 1 || req.Links[0] != "https://example.com/x" {
		t.Fatalf("registration lost captured links: %v", req.Links)
	}
	if _, ok := obs.TrackingID(surface.id); ok {
		t.Fatalf("session kept after the sent draft left the document")
	}
}

func TestSendViaOutboxMove(t *testing.T) {
	root := t.TempDir()
	doc, err := hostdoc.NewMaildirDocument(root, nil)
	if err != nil {
		t.Fatalf("NewMaildirDocument: %v", err)
	}
	defer doc.Close()
	tracker := &fakeTracker{}
	obs := newTestObserver(t, doc, tracker)

	draft := "From: me@example.com\r\n" +
		"To: carol@example.com\r\n" +
		"Subject: Quarterly Numbers\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		`<html><body><p>see the <a href="https://example.com/report">report</a></p></body></html>`
	staging := filepath.Join(root, "draft1.eml")
	if err := os.WriteFile(staging, []byte(draft), 0o644); err != nil {
		t.Fatalf("write draft: %v", err)
	}
	draftPath := filepath.Join(root, hostdoc.DraftsDir, "draft1.eml")
	outboxPath := filepath.Join(root, hostdoc.OutboxDir, "draft1.eml")
	if err := os.Rename(staging, draftPath); err != nil {
		t.Fatalf("deliver draft: %v", err)
	}

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	moved := false
	for len(tracker.created) == 0 {
		select {
		case ev := <-doc.Events():
			obs.Handle(ctx, ev)
			if !moved {
				// Once the beacon is durable in the draft, the mail client
				// "sends" it by moving the file into the outbox.
				if data, err := os.ReadFile(draftPath); err == nil && strings.Contains(string(data), "/t/") {
					if err := os.Rename(draftPath, outboxPath); err != nil {
						t.Fatalf("move to outbox: %v", err)
					}
					moved = true
				}
			}
		case <-deadline:
			t.Fatalf("send via Drafts->Outbox move produced no registration (moved=%v)", moved)
		}
	}

	req := tracker.created[0]
	if req.Subject != "Quarterly Numbers" || req.Recipient != "carol@example.com" {
		t.Fatalf("unexpected registration %+v", req)
	}
	if len(req.Links) != 1 || req.Links[0] != "https://example.com/report" {
		t.Fatalf("unexpected links %v", req.Links)
	}
	sent, err := os.ReadFile(outboxPath)
	if err != nil {
		t.Fatalf("read outgoing message: %v", err)
	}
	if !strings.Contains(string(sent), "/t/"+req.EmailID+".png") {
		t.Fatalf("outgoing message carries no beacon for %s", req.EmailID)
	}
	if _, ok := obs.TrackingID("draft1.eml"); ok {
		t.Fatalf("session kept after send")
	}
}
