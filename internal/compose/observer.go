// Package compose watches compose surfaces and registers outgoing messages
// with the relay exactly once per send. The tracking identifier is assigned
// and the beacon injected as soon as a surface is detected, while the draft
// is still editable; the send triggers only deliver the registration.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mailbeacon/mailbeacon/internal/hostdoc"
	"github.com/mailbeacon/mailbeacon/internal/relay"
)

type sessionState int

const (
	stateDetected sessionState = iota
	stateBeaconInjected
	stateRegistered
)

// session is the per-surface lifecycle record. The identifier is assigned
// when the session is created and never changes. claimed is the one-shot
// guard: both the send control and the submit shortcut can fire for the same
// surface, and only the first may register. subject, recipient and links are
// refreshed on every surface mutation so a send trigger that arrives after
// the surface left the document still has the data it needs.
type session struct {
	trackingID string
	claimed    bool
	state      sessionState

	subject   string
	recipient string
	links     []string
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Document hostdoc.Document
	Relay    *relay.Relay
	Logger   Logger
}

// Observer drives compose sessions from host-document events. It never
// surfaces an error to the send path: a failed registration is logged and
// the send proceeds untouched.
type Observer struct {
	doc    hostdoc.Document
	relay  *relay.Relay
	logger Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewObserver(opts Options) (*Observer, error) {
	if opts.Document == nil || opts.Relay == nil {
		return nil, fmt.Errorf("compose: document and relay are required")
	}
	return &Observer{
		doc:      opts.Document,
		relay:    opts.Relay,
		logger:   opts.Logger,
		sessions: map[string]*session{},
	}, nil
}

// Handle applies one host-document event to the session table. Events that
// do not concern compose surfaces are ignored.
func (o *Observer) Handle(ctx context.Context, ev hostdoc.Event) {
	switch ev.Kind {
	case hostdoc.SurfaceAppeared, hostdoc.SurfaceChanged:
		o.prime(ev.SurfaceID)
	case hostdoc.SurfaceRemoved:
		o.dropSession(ev.SurfaceID)
	case hostdoc.SendActivated, hostdoc.SubmitDetected:
		o.register(ctx, ev.SurfaceID)
	}
}

// prime captures the surface's current headers and links into its session,
// creating the session (and assigning its identifier) on first sight, and
// injects the beacon once while the draft is still in the document. It is a
// no-op for surfaces that already left.
func (o *Observer) prime(id string) {
	surface, ok := o.doc.ComposeSurface(id)
	if !ok {
		return
	}
	subject, err := surface.Subject()
	if err != nil {
		o.logf("compose %s: read subject: %v", id, err)
		return
	}
	recipient, err := surface.Recipient()
	if err != nil {
		o.logf("compose %s: read recipient: %v", id, err)
		return
	}

	serverURL := o.relay.GetServerURL()
	var links []string
	plain := false
	body, err := surface.Body()
	switch {
	case err == nil:
		links = ExtractLinks(body, serverURL)
	case errors.Is(err, hostdoc.ErrNoBody):
		// Plain-text draft: no beacon, no links, registration still counts.
		plain = true
	default:
		o.logf("compose %s: read body: %v", id, err)
		return
	}

	o.mu.Lock()
	sess, ok := o.sessions[id]
	if !ok {
		sess = &session{trackingID: relay.AssignIdentifier(), state: stateDetected}
		o.sessions[id] = sess
	}
	sess.subject = subject
	sess.recipient = recipient
	sess.links = links
	needBeacon := !plain && sess.state == stateDetected && !sess.claimed
	trackingID := sess.trackingID
	o.mu.Unlock()

	if !needBeacon {
		return
	}
	if err := surface.AppendToBody(BeaconMarkup(serverURL, trackingID)); err != nil {
		o.logf("compose %s: inject beacon: %v", id, err)
		return
	}
	o.setState(id, stateBeaconInjected)
}

func (o *Observer) dropSession(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, id)
}

// claim marks the surface's session as taken and hands back a copy of its
// captured data. Exactly one trigger per surface gets ok; a trigger for a
// surface that was never primed gets nothing.
func (o *Observer) claim(id string) (session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok || sess.claimed {
		return session{}, false
	}
	sess.claimed = true
	return *sess, true
}

// register delivers the session's captured registration to the relay. The
// surface has usually left the document by the time a send trigger fires, so
// everything it needs was captured at prime time.
func (o *Observer) register(ctx context.Context, id string) {
	// A send trigger for a still-attached surface that was never primed
	// (the watcher started after the draft appeared) gets one late capture.
	o.prime(id)

	sess, ok := o.claim(id)
	if !ok {
		o.reapDeparted(id)
		return
	}
	if strings.TrimSpace(sess.subject) == "" && strings.TrimSpace(sess.recipient) == "" {
		o.reapDeparted(id)
		return
	}

	result := o.relay.CreateTracking(ctx, relay.CreateTrackingRequest{
		Subject:    sess.subject,
		Recipient:  sess.recipient,
		Links:      sess.links,
		Identifier: sess.trackingID,
	})
	if result.OK {
		o.setState(id, stateRegistered)
		o.logf("compose %s: registered as %s", id, result.Identifier)
	} else {
		o.logf("compose %s: register with tracker: %s (spooled=%v)", id, result.Error, result.Spooled)
	}
	o.reapDeparted(id)
}

// reapDeparted destroys the session of a surface that is no longer in the
// document. Sent drafts leave via the send triggers without ever producing a
// removal event, so the send path cleans up after itself.
func (o *Observer) reapDeparted(id string) {
	if _, ok := o.doc.ComposeSurface(id); ok {
		return
	}
	o.dropSession(id)
}

// TrackingID reports the identifier assigned to a live surface's session.
func (o *Observer) TrackingID(id string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return "", false
	}
	return sess.trackingID, true
}

func (o *Observer) setState(id string, state sessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[id]; ok {
		sess.state = state
	}
}

func (o *Observer) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}

// BeaconMarkup builds the 1x1 tracking pixel element for a registered draft.
// The inline style keeps the pixel from collapsing under client stylesheets.
func BeaconMarkup(serverURL, trackingID string) string {
	base := strings.TrimRight(serverURL, "/")
	return fmt.Sprintf(
		`<img src="%s/t/%s.png" width="1" height="1" style="display:inline-block;width:1px;height:1px;border:0;overflow:hidden;" alt="">`,
		base, trackingID)
}
