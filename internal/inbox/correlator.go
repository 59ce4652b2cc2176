// Package inbox resolves visible message rows against the correlation store
// and keeps their tracking badges current.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mailbeacon/mailbeacon/internal/hostdoc"
	"github.com/mailbeacon/mailbeacon/internal/relay"
)

const (
	defaultWarmUp   = 2 * time.Second
	defaultInterval = 15 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Badge feed states. Renders carry the badge state; removals are "cleared".
const (
	FeedPending = "pending"
	FeedOpened  = "opened"
	FeedCleared = "cleared"
)

// BadgeUpdate mirrors one badge render or clear. Sinks fan it out to live
// watchers.
type BadgeUpdate struct {
	RowID      string    `json:"rowId"`
	Key        string    `json:"key"`
	State      string    `json:"state"`
	Opens      int       `json:"opens"`
	Clicks     int       `json:"clicks"`
	TrackingID string    `json:"trackingId"`
	TS         time.Time `json:"ts"`
}

// BadgeSink receives badge updates as they are rendered. Publish must not
// block.
type BadgeSink interface {
	Publish(update BadgeUpdate)
}

type Options struct {
	Document hostdoc.Document
	Relay    *relay.Relay
	Sink     BadgeSink
	Logger   Logger
	// WarmUp delays the first cycle so the host document settles after
	// startup. Interval paces the steady-state cycles.
	WarmUp   time.Duration
	Interval time.Duration
}

// Correlator periodically snapshots the visible rows, batch-resolves their
// (subject, recipient) keys through the relay, and renders badges. Rendering
// is clear-then-set so repeated cycles over the same row leave exactly one
// badge.
type Correlator struct {
	doc      hostdoc.Document
	relay    *relay.Relay
	sink     BadgeSink
	logger   Logger
	warmUp   time.Duration
	interval time.Duration
	poke     chan struct{}

	mu        sync.Mutex
	rendered  map[string]hostdoc.Badge
	processed map[string]struct{}
}

func NewCorrelator(opts Options) (*Correlator, error) {
	if opts.Document == nil || opts.Relay == nil {
		return nil, fmt.Errorf("inbox: document and relay are required")
	}
	warmUp := opts.WarmUp
	if warmUp <= 0 {
		warmUp = defaultWarmUp
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Correlator{
		doc:      opts.Document,
		relay:    opts.Relay,
		sink:     opts.Sink,
		logger:   opts.Logger,
		warmUp:   warmUp,
		interval: interval,
		poke:      make(chan struct{}, 1),
		rendered:  map[string]hostdoc.Badge{},
		processed: map[string]struct{}{},
	}, nil
}

// Poke invalidates every processed-row mark and requests an extra cycle,
// used when the host document navigates. Safe from any goroutine; coalesces
// with a pending request.
func (c *Correlator) Poke() {
	c.mu.Lock()
	c.processed = map[string]struct{}{}
	c.mu.Unlock()
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is done. The first cycle waits out the warm-up so
// rows rendered during startup churn are not resolved twice.
func (c *Correlator) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.warmUp):
	}
	for {
		c.Cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(c.interval)):
		case <-c.poke:
		}
	}
}

// Cycle resolves the visible rows not yet marked processed and reconciles
// their badges. Processed rows are skipped entirely until a navigation poke
// invalidates the marks.
func (c *Correlator) Cycle(ctx context.Context) {
	rows := c.doc.MessageRows()

	type rowKey struct {
		row hostdoc.MessageRow
		key string
	}
	keyed := make([]rowKey, 0, len(rows))
	present := make(map[string]struct{}, len(rows))
	var pairs []relay.StatusPair
	seen := map[string]struct{}{}
	for _, row := range rows {
		present[row.ID()] = struct{}{}
		if c.isProcessed(row.ID()) {
			continue
		}
		subject, err := row.Subject()
		if err != nil {
			continue
		}
		recipient, err := row.Recipient()
		if err != nil {
			continue
		}
		key := relay.NormalizeKey(subject, recipient)
		keyed = append(keyed, rowKey{row: row, key: key})
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			pairs = append(pairs, relay.StatusPair{Subject: subject, Recipient: recipient})
		}
	}

	statuses := c.relay.GetStatuses(ctx, pairs)

	for _, rk := range keyed {
		status, tracked := statuses[rk.key]
		if !tracked {
			c.clearRow(rk.row, rk.key)
		} else {
			badge := hostdoc.Badge{
				State:      hostdoc.BadgePending,
				Opens:      status.Opens,
				Clicks:     status.Clicks,
				TrackingID: status.Identifier,
			}
			if status.Opens > 0 {
				badge.State = hostdoc.BadgeOpened
			}
			c.renderRow(rk.row, rk.key, badge)
		}
		c.markProcessed(rk.row.ID())
	}

	c.mu.Lock()
	for id := range c.rendered {
		if _, ok := present[id]; !ok {
			delete(c.rendered, id)
		}
	}
	for id := range c.processed {
		if _, ok := present[id]; !ok {
			delete(c.processed, id)
		}
	}
	c.mu.Unlock()
}

func (c *Correlator) isProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processed[id]
	return ok
}

func (c *Correlator) markProcessed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed[id] = struct{}{}
}

// renderRow applies clear-then-set, skipping rows whose badge is already
// current and discarding work for rows that detached mid-cycle.
func (c *Correlator) renderRow(row hostdoc.MessageRow, key string, badge hostdoc.Badge) {
	id := row.ID()
	c.mu.Lock()
	current, have := c.rendered[id]
	c.mu.Unlock()
	if have && current == badge {
		return
	}
	if !row.Attached() {
		c.forget(id)
		return
	}
	if err := row.ClearBadges(); err != nil {
		c.forget(id)
		return
	}
	if err := row.SetBadge(badge); err != nil {
		if !errors.Is(err, hostdoc.ErrNotAttached) {
			c.logf("inbox %s: set badge: %v", id, err)
		}
		c.forget(id)
		return
	}
	c.mu.Lock()
	c.rendered[id] = badge
	c.mu.Unlock()
	c.publish(BadgeUpdate{
		RowID:      id,
		Key:        key,
		State:      string(badge.State),
		Opens:      badge.Opens,
		Clicks:     badge.Clicks,
		TrackingID: badge.TrackingID,
		TS:         time.Now().UTC(),
	})
}

func (c *Correlator) clearRow(row hostdoc.MessageRow, key string) {
	id := row.ID()
	c.mu.Lock()
	_, have := c.rendered[id]
	c.mu.Unlock()
	if !have {
		return
	}
	if err := row.ClearBadges(); err == nil {
		c.publish(BadgeUpdate{
			RowID: id,
			Key:   key,
			State: FeedCleared,
			TS:    time.Now().UTC(),
		})
	}
	c.forget(id)
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.rendered, id)
	c.mu.Unlock()
}

func (c *Correlator) publish(update BadgeUpdate) {
	if c.sink != nil {
		c.sink.Publish(update)
	}
}

func (c *Correlator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// jitter spreads cycles by +-10% so multiple documents do not hammer the
// relay in lockstep.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
