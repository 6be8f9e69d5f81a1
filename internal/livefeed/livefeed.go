// Package livefeed is an optional, additive side channel: when the
// driver is started with a live address, every DriverResponseV2 it
// emits is also fanned out over a websocket to attached viewers, as a
// read-only mirror of the NDJSON stream. It never affects the
// driver's stdio contract or exit codes (§6) — a viewer disconnecting,
// or no viewer ever attaching, has zero effect on the run.
package livefeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/termbox/internal/obs"
)

// Hub fans out published frames to every currently-attached
// subscriber, dropping frames for a subscriber that falls behind
// rather than blocking the publisher (mirrors the teacher's
// replayBuffer notify-channel idiom: slow readers never hold up the
// writer, they just miss frames).
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// Publish fans frame out to every subscriber. Non-blocking: a
// subscriber whose buffer is full is skipped for this frame.
func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Handler returns an http.Handler that upgrades each request to a
// websocket and streams every subsequently published frame to it
// until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			obs.Warn("livefeed: accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ch := h.subscribe()
		defer h.unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "viewer context done")
				return
			case frame := <-ch:
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					return
				}
			}
		}
	})
}

// Serve starts an HTTP server bound to addr exposing the hub at "/"
// and blocks until ctx is canceled, then shuts the server down.
// Errors starting the listener are returned; a clean shutdown is not
// an error.
func Serve(ctx context.Context, addr string, h *Hub) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
