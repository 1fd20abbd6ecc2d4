package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/concretelab/mixledger/internal/submission"
)

const (
	defaultFeedBuffer = 64
	feedWriteTimeout  = 5 * time.Second
)

// Feed fans submission events out to websocket subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Feed struct {
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64

	mu          sync.Mutex
	subscribers map[chan submission.Event]struct{}
}

func NewFeed(buffer int, logger *slog.Logger) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		buffer:      buffer,
		logger:      logger,
		subscribers: map[chan submission.Event]struct{}{},
	}
}

func (f *Feed) Publish(event submission.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Collectors exposes the subscriber count and the dropped-event total.
func (f *Feed) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mixledger_feed_subscribers",
			Help: "Websocket feed subscribers currently connected.",
		}, func() float64 { return float64(f.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mixledger_feed_dropped_events_total",
			Help: "Submission events dropped because a feed subscriber fell behind.",
		}, func() float64 { return float64(f.Dropped()) }),
	}
}

func (f *Feed) subscribe() (<-chan submission.Event, func()) {
	ch := make(chan submission.Event, f.buffer)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subscribers, ch)
		f.mu.Unlock()
	}
}

func (f *Feed) serve(w http.ResponseWriter, r *http.Request, subject string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("feed upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := f.subscribe()
	defer unsubscribe()
	f.logger.Info("feed subscriber connected", "subject", subject)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("feed subscriber disconnected", "subject", subject)
			return
		case event := <-events:
			if err := writeEvent(ctx, conn, event); err != nil {
				f.logger.Warn("feed write failed", "subject", subject, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event submission.Event) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
