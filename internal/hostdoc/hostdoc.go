// Package hostdoc isolates every structural query against the host mail
// document behind capability interfaces, so host-layout drift requires
// changing only an adapter and never the correlation logic built on top.
package hostdoc

import "errors"

var (
	ErrNotAttached = errors.New("not attached to document")
	ErrNoBody      = errors.New("no editable body")
)

type BadgeState string

const (
	// BadgePending marks a tracked message with zero recorded opens.
	BadgePending BadgeState = "pending"
	// BadgeOpened marks a tracked message with at least one recorded open.
	BadgeOpened BadgeState = "opened"
)

// Badge is one rendered status indicator on a message row.
type Badge struct {
	State      BadgeState
	Opens      int
	Clicks     int
	TrackingID string
}

// ComposeSurface is one editable region in which a new or reply message is
// being authored. Implementations must tolerate the underlying surface
// disappearing at any time: operations on a detached surface return
// ErrNotAttached.
type ComposeSurface interface {
	ID() string
	Attached() bool
	// Subject and Recipient read the surface's current header fields; both
	// may be empty while the user is still typing.
	Subject() (string, error)
	Recipient() (string, error)
	// Body returns the editable HTML body, or ErrNoBody when the surface has
	// no beacon-capable body (plain-text drafts).
	Body() (string, error)
	// AppendToBody inserts markup at the end of the editable body.
	AppendToBody(markup string) error
}

// MessageRow is one visible row in a message listing, with its subject and
// recipient cells and an attachment point for status indicators.
type MessageRow interface {
	ID() string
	Attached() bool
	Subject() (string, error)
	Recipient() (string, error)
	// SetBadge attaches an indicator to the row. It does not replace
	// previous indicators; callers that want exactly one call ClearBadges
	// first.
	SetBadge(b Badge) error
	// ClearBadges removes every indicator currently attached to the row.
	ClearBadges() error
	// Badges returns the indicators currently attached, oldest first.
	Badges() []Badge
}

type EventKind int

const (
	// SurfaceAppeared fires when the mutation watcher observes a new compose
	// surface.
	SurfaceAppeared EventKind = iota
	// SurfaceChanged fires when an existing surface's subtree mutates.
	SurfaceChanged
	// SurfaceRemoved fires when a surface leaves the document without a send
	// intent (abandoned draft).
	SurfaceRemoved
	// SendActivated is the send-control trigger for a surface.
	SendActivated
	// SubmitDetected is the platform submit-shortcut trigger; it can race
	// SendActivated for the same surface.
	SubmitDetected
	// Navigated fires when the row region changes (folder switch, rows
	// appearing or disappearing).
	Navigated
)

type Event struct {
	Kind      EventKind
	SurfaceID string
}

// Document is the full capability surface the observers need from the host:
// enumerate compose surfaces and message rows, and a stream of mutation
// events. Events carries no ordering guarantee relative to the enumerations;
// consumers re-check attachment before acting.
type Document interface {
	ComposeSurface(id string) (ComposeSurface, bool)
	ComposeSurfaces() []ComposeSurface
	MessageRows() []MessageRow
	Events() <-chan Event
	Close() error
}
