package ctlapi

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mailbeacon/mailbeacon/internal/inbox"
)

const subscriberBuffer = 16

// FeedHub fans badge updates out to websocket watchers. Publish never
// blocks: a subscriber that cannot keep up is dropped.
type FeedHub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan inbox.BadgeUpdate
}

func NewFeedHub() *FeedHub {
	return &FeedHub{subs: map[*subscriber]struct{}{}}
}

func (h *FeedHub) Publish(update inbox.BadgeUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- update:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

func (h *FeedHub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan inbox.BadgeUpdate, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *FeedHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount reports the number of live watchers.
func (h *FeedHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *FeedHub) serveWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case update, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, update)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
