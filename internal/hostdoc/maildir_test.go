package hostdoc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const htmlDraft = "Subject: Quarterly update\r\nTo: Bob Example <bob@example.com>\r\nContent-Type: text/html; charset=utf-8\r\n\r\n<html><body><p>hi</p></body></html>"

const plainDraft = "Subject: plain\r\nTo: carol@example.com\r\n\r\njust text\r\n"

func writeMessage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestDocument(t *testing.T) *MaildirDocument {
	t.Helper()
	doc, err := NewMaildirDocument(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMaildirDocument: %v", err)
	}
	t.Cleanup(func() { doc.Close() })
	return doc
}

func TestSurfaceReadsHeadersAndBody(t *testing.T) {
	doc := newTestDocument(t)
	writeMessage(t, doc.draftsDir, "draft1.eml", htmlDraft)

	surface, ok := doc.ComposeSurface("draft1.eml")
	if !ok {
		t.Fatalf("expected draft1.eml to be attached")
	}
	subject, err := surface.Subject()
	if err != nil || subject != "Quarterly update" {
		t.Fatalf("Subject() = %q, %v", subject, err)
	}
	recipient, err := surface.Recipient()
	if err != nil || recipient != "bob@example.com" {
		t.Fatalf("Recipient() = %q, %v", recipient, err)
	}
	body, err := surface.Body()
	if err != nil {
		t.Fatalf("Body(): %v", err)
	}
	if !strings.Contains(body, "<p>hi</p>") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestPlainTextDraftHasNoBody(t *testing.T) {
	doc := newTestDocument(t)
	writeMessage(t, doc.draftsDir, "plain.eml", plainDraft)

	surface, ok := doc.ComposeSurface("plain.eml")
	if !ok {
		t.Fatalf("expected plain.eml to be attached")
	}
	if _, err := surface.Body(); err != ErrNoBody {
		t.Fatalf("Body() error = %v, want ErrNoBody", err)
	}
	if err := surface.AppendToBody("<img>"); err != ErrNoBody {
		t.Fatalf("AppendToBody() error = %v, want ErrNoBody", err)
	}
}

func TestAppendToBodyInsertsBeforeClosingTag(t *testing.T) {
	doc := newTestDocument(t)
	path := writeMessage(t, doc.draftsDir, "draft1.eml", htmlDraft)

	surface, _ := doc.ComposeSurface("draft1.eml")
	if err := surface.AppendToBody(`<img src="x.png">`); err != nil {
		t.Fatalf("AppendToBody: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `<p>hi</p><img src="x.png"></body>`) {
		t.Fatalf("markup not inserted before </body>: %q", content)
	}
	if !strings.Contains(content, "Subject: Quarterly update") {
		t.Fatalf("headers lost on rewrite: %q", content)
	}
}

func TestDetachedSurfaceReportsNotAttached(t *testing.T) {
	doc := newTestDocument(t)
	if _, ok := doc.ComposeSurface("gone.eml"); ok {
		t.Fatalf("expected missing draft to be detached")
	}
	surface := &fileSurface{id: "gone.eml", path: filepath.Join(doc.draftsDir, "gone.eml")}
	if _, err := surface.Subject(); err != ErrNotAttached {
		t.Fatalf("Subject() error = %v, want ErrNotAttached", err)
	}
}

func TestClassifyDraftDeparture(t *testing.T) {
	doc := newTestDocument(t)

	writeMessage(t, doc.outboxDir, "sent1.eml", htmlDraft)
	if ev := doc.classifyDraftDeparture("sent1.eml"); ev.Kind != SendActivated {
		t.Fatalf("outbox departure classified as %v, want SendActivated", ev.Kind)
	}

	writeMessage(t, doc.sentDir, "sent2.eml", htmlDraft)
	if ev := doc.classifyDraftDeparture("sent2.eml"); ev.Kind != SubmitDetected {
		t.Fatalf("sent departure classified as %v, want SubmitDetected", ev.Kind)
	}

	if ev := doc.classifyDraftDeparture("vanished.eml"); ev.Kind != SurfaceRemoved {
		t.Fatalf("abandoned departure classified as %v, want SurfaceRemoved", ev.Kind)
	}
}

func TestBadgesClearedWhenRowLeaves(t *testing.T) {
	doc := newTestDocument(t)
	path := writeMessage(t, doc.sentDir, "msg1.eml", htmlDraft)

	rows := doc.MessageRows()
	if len(rows) != 1 {
		t.Fatalf("MessageRows() = %d rows, want 1", len(rows))
	}
	row := rows[0]
	if err := row.SetBadge(Badge{State: BadgeOpened, Opens: 2}); err != nil {
		t.Fatalf("SetBadge: %v", err)
	}
	if got := row.Badges(); len(got) != 1 || got[0].Opens != 2 {
		t.Fatalf("Badges() = %+v", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove row: %v", err)
	}
	doc.MessageRows()
	if got := row.Badges(); len(got) != 0 {
		t.Fatalf("badges survived row removal: %+v", got)
	}
	if err := row.SetBadge(Badge{State: BadgePending}); err != ErrNotAttached {
		t.Fatalf("SetBadge on detached row = %v, want ErrNotAttached", err)
	}
}

func TestWatcherEmitsSurfaceAppeared(t *testing.T) {
	doc := newTestDocument(t)
	writeMessage(t, doc.draftsDir, "new.eml", htmlDraft)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-doc.Events():
			if ev.Kind == SurfaceAppeared && ev.SurfaceID == "new.eml" {
				return
			}
		case <-deadline:
			t.Fatalf("no SurfaceAppeared event for new.eml")
		}
	}
}
