package hostdoc

import (
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Maildir-style layout observed by the adapter. The user's mail client owns
// these directories; the adapter only watches them and rewrites draft bodies.
const (
	DraftsDir = "Drafts"
	OutboxDir = "Outbox"
	SentDir   = "Sent"
)

const eventBuffer = 64

type Logger interface {
	Printf(format string, args ...any)
}

// MaildirDocument adapts a mail directory tree to the Document capability
// surface. Draft files under Drafts/ are compose surfaces; a draft moving
// into Outbox/ is the send-control trigger; a draft vanishing while its copy
// shows up under Sent/ is the submit-shortcut trigger; message files under
// Sent/ are the visible rows.
type MaildirDocument struct {
	draftsDir string
	outboxDir string
	sentDir   string
	watcher   *fsnotify.Watcher
	events    chan Event
	logger    Logger

	mu     sync.Mutex
	badges map[string][]Badge

	closeOnce sync.Once
	done      chan struct{}
}

func NewMaildirDocument(root string, logger Logger) (*MaildirDocument, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("maildir root is required")
	}
	doc := &MaildirDocument{
		draftsDir: filepath.Join(root, DraftsDir),
		outboxDir: filepath.Join(root, OutboxDir),
		sentDir:   filepath.Join(root, SentDir),
		events:    make(chan Event, eventBuffer),
		logger:    logger,
		badges:    map[string][]Badge{},
		done:      make(chan struct{}),
	}
	for _, dir := range []string{doc.draftsDir, doc.outboxDir, doc.sentDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{doc.draftsDir, doc.outboxDir, doc.sentDir} {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}
	doc.watcher = watcher
	go doc.run()
	return doc, nil
}

func (d *MaildirDocument) Events() <-chan Event {
	return d.events
}

func (d *MaildirDocument) ComposeSurface(id string) (ComposeSurface, bool) {
	if !validMessageName(id) {
		return nil, false
	}
	surface := &fileSurface{id: id, path: filepath.Join(d.draftsDir, id)}
	return surface, surface.Attached()
}

func (d *MaildirDocument) ComposeSurfaces() []ComposeSurface {
	names := listMessages(d.draftsDir)
	surfaces := make([]ComposeSurface, 0, len(names))
	for _, name := range names {
		surfaces = append(surfaces, &fileSurface{id: name, path: filepath.Join(d.draftsDir, name)})
	}
	return surfaces
}

func (d *MaildirDocument) MessageRows() []MessageRow {
	names := listMessages(d.sentDir)
	present := make(map[string]struct{}, len(names))
	rows := make([]MessageRow, 0, len(names))
	for _, name := range names {
		present[name] = struct{}{}
		rows = append(rows, &fileRow{doc: d, id: name, path: filepath.Join(d.sentDir, name)})
	}
	// Indicators for rows that left the document are discarded rather than
	// kept alive.
	d.mu.Lock()
	for id := range d.badges {
		if _, ok := present[id]; !ok {
			delete(d.badges, id)
		}
	}
	d.mu.Unlock()
	return rows
}

func (d *MaildirDocument) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.watcher.Close()
	})
	return err
}

func (d *MaildirDocument) run() {
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.translate(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logf("watcher error: %v", err)
		}
	}
}

func (d *MaildirDocument) translate(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	name := filepath.Base(ev.Name)
	if !validMessageName(name) {
		return
	}
	switch dir {
	case d.draftsDir:
		switch {
		case ev.Op.Has(fsnotify.Create):
			d.emit(Event{Kind: SurfaceAppeared, SurfaceID: name})
		case ev.Op.Has(fsnotify.Write):
			d.emit(Event{Kind: SurfaceChanged, SurfaceID: name})
		case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
			d.emit(d.classifyDraftDeparture(name))
		}
	case d.outboxDir:
		if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
			d.emit(Event{Kind: SendActivated, SurfaceID: name})
		}
	case d.sentDir:
		d.emit(Event{Kind: Navigated})
	}
}

// classifyDraftDeparture decides what a draft leaving Drafts/ means: moved to
// the outbox it is a send activation, reappearing under Sent/ it is the
// submit shortcut, otherwise the surface was abandoned and removed.
func (d *MaildirDocument) classifyDraftDeparture(name string) Event {
	if fileExists(filepath.Join(d.outboxDir, name)) {
		return Event{Kind: SendActivated, SurfaceID: name}
	}
	if fileExists(filepath.Join(d.sentDir, name)) {
		return Event{Kind: SubmitDetected, SurfaceID: name}
	}
	return Event{Kind: SurfaceRemoved, SurfaceID: name}
}

func (d *MaildirDocument) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logf("event buffer full, dropping %v for %s", ev.Kind, ev.SurfaceID)
	}
}

func (d *MaildirDocument) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

type fileSurface struct {
	id   string
	path string
}

func (s *fileSurface) ID() string { return s.id }

func (s *fileSurface) Attached() bool { return fileExists(s.path) }

func (s *fileSurface) Subject() (string, error) {
	header, err := readHeader(s.path)
	if err != nil {
		return "", err
	}
	return header.Get("Subject"), nil
}

func (s *fileSurface) Recipient() (string, error) {
	header, err := readHeader(s.path)
	if err != nil {
		return "", err
	}
	return firstAddress(header.Get("To")), nil
}

func (s *fileSurface) Body() (string, error) {
	header, body, err := readMessage(s.path)
	if err != nil {
		return "", err
	}
	if !isHTML(header) {
		return "", ErrNoBody
	}
	return body, nil
}

func (s *fileSurface) AppendToBody(markup string) error {
	header, body, err := readMessage(s.path)
	if err != nil {
		return err
	}
	if !isHTML(header) {
		return ErrNoBody
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return surfaceReadError(err)
	}
	updated := appendToHTMLBody(body, markup)
	content := strings.Replace(string(raw), body, updated, 1)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type fileRow struct {
	doc  *MaildirDocument
	id   string
	path string
}

func (r *fileRow) ID() string { return r.id }

func (r *fileRow) Attached() bool { return fileExists(r.path) }

func (r *fileRow) Subject() (string, error) {
	header, err := readHeader(r.path)
	if err != nil {
		return "", err
	}
	return header.Get("Subject"), nil
}

func (r *fileRow) Recipient() (string, error) {
	header, err := readHeader(r.path)
	if err != nil {
		return "", err
	}
	return firstAddress(header.Get("To")), nil
}

func (r *fileRow) SetBadge(b Badge) error {
	if !r.Attached() {
		return ErrNotAttached
	}
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()
	r.doc.badges[r.id] = append(r.doc.badges[r.id], b)
	return nil
}

func (r *fileRow) ClearBadges() error {
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()
	delete(r.doc.badges, r.id)
	return nil
}

func (r *fileRow) Badges() []Badge {
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()
	return append([]Badge(nil), r.doc.badges[r.id]...)
}

var messageNamePattern = regexp.MustCompile(`^[^.][^/]*\.eml$`)

func validMessageName(name string) bool {
	return messageNamePattern.MatchString(name) && !strings.HasSuffix(name, ".tmp")
}

func listMessages(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !validMessageName(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readHeader(path string) (mail.Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, surfaceReadError(err)
	}
	defer file.Close()
	msg, err := mail.ReadMessage(file)
	if err != nil {
		return nil, err
	}
	return msg.Header, nil
}

func readMessage(path string) (mail.Header, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", surfaceReadError(err)
	}
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, "", err
	}
	return msg.Header, string(body), nil
}

func surfaceReadError(err error) error {
	if os.IsNotExist(err) {
		return ErrNotAttached
	}
	return err
}

func isHTML(header mail.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/html")
}

func firstAddress(to string) string {
	to = strings.TrimSpace(to)
	if to == "" {
		return ""
	}
	if addrs, err := mail.ParseAddressList(to); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	if idx := strings.IndexByte(to, ','); idx >= 0 {
		to = to[:idx]
	}
	return strings.TrimSpace(to)
}

func appendToHTMLBody(body, markup string) string {
	lower := strings.ToLower(body)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return body[:idx] + markup + body[idx:]
	}
	return body + markup
}
