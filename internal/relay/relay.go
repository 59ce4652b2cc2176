package relay

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

// DefaultServerURL is used whenever no tracking server address has been
// configured or persisted.
const DefaultServerURL = "http://127.0.0.1:8000"

const defaultRecentLimit = 20

type Logger interface {
	Printf(format string, args ...any)
}

// CorrelationEntry is the persisted value for one normalized
// (subject, recipient) key. A later registration for the same key overwrites
// the earlier entry; there is never more than one entry per key.
type CorrelationEntry struct {
	TrackingID string    `json:"trackingId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateTrackingRequest is the CREATE_TRACKING payload. Identifier is
// optional; when empty the relay assigns one.
type CreateTrackingRequest struct {
	Subject    string   `json:"subject"`
	Recipient  string   `json:"recipient"`
	Links      []string `json:"links"`
	Identifier string   `json:"identifier,omitempty"`
}

// CreateTrackingResult is always returned, never an error: registration
// failure must not interrupt the caller's send path. When the forward to the
// tracking server failed, OK is false, Error describes the failure, and
// Spooled reports whether the registration was queued for retry. The local
// CorrelationEntry is persisted either way.
type CreateTrackingResult struct {
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Identifier string        `json:"identifier"`
	PixelURL   string        `json:"pixelUrl,omitempty"`
	Links      []TrackedLink `json:"links,omitempty"`
	Spooled    bool          `json:"spooled,omitempty"`
}

// StatusPair is one (subject, recipient) pair in a GET_STATUSES batch.
type StatusPair struct {
	Subject   string `json:"subject"`
	Recipient string `json:"recipient"`
}

// Status is the per-key answer in a GET_STATUSES response. Keys with no
// CorrelationEntry are omitted from the response entirely; a present Status
// always has Tracked=true.
type Status struct {
	Tracked    bool   `json:"tracked"`
	Opens      int    `json:"opens"`
	Clicks     int    `json:"clicks"`
	Identifier string `json:"identifier"`
}

type RecentResult struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Emails []EmailSummary `json:"emails"`
}

type IgnoreIPResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	IP    string `json:"ip,omitempty"`
}

type Options struct {
	Store  *CorrelationStore
	Client TrackerClient
	Spool  *Spool
	Logger Logger
}

// Relay is the single process-wide broker between the observers and the
// tracking server plus local persisted state. Each operation completes
// exactly once per call and never raises a network error to the caller.
type Relay struct {
	store  *CorrelationStore
	client TrackerClient
	spool  *Spool
	logger Logger
}

func New(opts Options) (*Relay, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPTrackerClient(nil)
	}
	return &Relay{
		store:  opts.Store,
		client: client,
		spool:  opts.Spool,
		logger: opts.Logger,
	}, nil
}

// CreateTracking persists (overwriting) the CorrelationEntry for the
// normalized key and forwards the registration to the tracking server. The
// local write happens before the forward so that a status query racing ahead
// of a slow or failed forward already sees the key as tracked.
func (r *Relay) CreateTracking(ctx context.Context, req CreateTrackingRequest) CreateTrackingResult {
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = AssignIdentifier()
	}
	key := NormalizeKey(req.Subject, req.Recipient)
	entry := CorrelationEntry{TrackingID: identifier, CreatedAt: time.Now().UTC()}
	if err := r.store.Put(key, entry); err != nil {
		r.logf("persist correlation entry for %s failed: %v", key, err)
	}

	wire := CreateEmailRequest{
		Subject:   req.Subject,
		Recipient: req.Recipient,
		Links:     req.Links,
		EmailID:   identifier,
	}
	ack, err := r.client.CreateEmail(ctx, r.store.ServerURL(), wire)
	if err != nil {
		spooled := r.trySpool(wire)
		r.logf("registration forward for %s failed (spooled=%v): %v", identifier, spooled, err)
		return CreateTrackingResult{
			OK:         false,
			Error:      err.Error(),
			Identifier: identifier,
			Spooled:    spooled,
		}
	}
	result := CreateTrackingResult{
		OK:         true,
		Identifier: identifier,
		PixelURL:   ack.PixelURL,
		Links:      ack.Links,
	}
	if ack.EmailID != "" {
		result.Identifier = ack.EmailID
	}
	return result
}

// GetStatuses resolves each distinct pair to its correlation key and answers
// for every key that has an entry. Keys without an entry are absent from the
// result: absence means "not tracked", never "tracked with unknown status".
// A live count fetch that fails degrades to tracked-with-zero-counts so that
// transient network errors cannot flicker a row between tracked and unknown.
func (r *Relay) GetStatuses(ctx context.Context, pairs []StatusPair) map[string]Status {
	keys := make([]string, 0, len(pairs))
	seen := map[string]struct{}{}
	for _, pair := range pairs {
		key := NormalizeKey(pair.Subject, pair.Recipient)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	entries := r.store.Snapshot(keys)

	statuses := make(map[string]Status, len(entries))
	serverURL := r.store.ServerURL()
	for key, entry := range entries {
		status := Status{Tracked: true, Identifier: entry.TrackingID}
		detail, err := r.client.GetEmail(ctx, serverURL, entry.TrackingID)
		if err != nil {
			r.logf("status fetch for %s failed, reporting zero counts: %v", entry.TrackingID, err)
		} else {
			status.Opens = detail.TotalOpens
			status.Clicks = detail.TotalClicks
		}
		statuses[key] = status
	}
	return statuses
}

// GetRecent returns the most recently tracked messages, bounded by limit.
func (r *Relay) GetRecent(ctx context.Context, limit int) RecentResult {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	emails, err := r.client.ListEmails(ctx, r.store.ServerURL(), limit)
	if err != nil {
		return RecentResult{OK: false, Error: err.Error(), Emails: []EmailSummary{}}
	}
	return RecentResult{OK: true, Emails: emails}
}

func (r *Relay) GetServerURL() string {
	return r.store.ServerURL()
}

func (r *Relay) SetServerURL(url string) error {
	return r.store.SetServerURL(url)
}

// AddIgnoredIP asks the tracking server to exclude an address (the sender's
// own, typically) from open counts.
func (r *Relay) AddIgnoredIP(ctx context.Context, ip, label string) IgnoreIPResult {
	resolved, err := r.client.AddIgnoredIP(ctx, r.store.ServerURL(), ip, label)
	if err != nil {
		return IgnoreIPResult{OK: false, Error: err.Error()}
	}
	return IgnoreIPResult{OK: true, IP: resolved}
}

func (r *Relay) trySpool(req CreateEmailRequest) bool {
	if r.spool == nil {
		return false
	}
	return r.spool.TryEnqueue(req)
}

func (r *Relay) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
