package notifier

import (
	"sync"
	"time"

	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/rs/zerolog/log"
)

// BroadcastBuffer coalesces change events and fans the latest one out to
// every subscriber on each flush
type BroadcastBuffer struct {
	flushInterval time.Duration

	subscribers     map[string]chan Event
	subscribersLock sync.RWMutex

	// Only the newest pending event survives until the next flush
	pending     *Event
	pendingLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	closeOnce  sync.Once
	done       chan struct{}

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(flushInterval time.Duration) *BroadcastBuffer {
	if flushInterval <= 0 {
		flushInterval = DefaultConfig().FlushInterval
	}
	b := &BroadcastBuffer{
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan Event),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber. The returned channel is closed on Unsubscribe
// or Close.
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	select {
	case <-b.close:
		close(ch)
		return ch
	default:
	}

	if old, ok := b.subscribers[id]; ok {
		close(old)
	} else {
		b.metrics.StreamSubscribers.Inc()
	}
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.StreamSubscribers.Dec()
	}
}

// Len returns the number of subscribers
func (b *BroadcastBuffer) Len() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish replaces the pending event. Events published between two flushes
// collapse into the last one.
func (b *BroadcastBuffer) Publish(event Event) {
	b.pendingLock.Lock()
	b.pending = &event
	b.pendingLock.Unlock()
}

// Flush asks the loop to deliver the pending event without waiting for the
// next tick
func (b *BroadcastBuffer) Flush() {
	select {
	case b.forceFlush <- struct{}{}:
	default:
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

func (b *BroadcastBuffer) flush() {
	b.pendingLock.Lock()
	event := b.pending
	b.pending = nil
	b.pendingLock.Unlock()
	if event == nil {
		return
	}

	start := time.Now()

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send. Sends never block.
	b.subscribersLock.RLock()
	delivered, dropped := 0, 0
	for id, ch := range b.subscribers {
		select {
		case ch <- *event:
			delivered++
		default:
			dropped++
			log.Debug().Str("component", "notifier").Str("subscriber_id", id).Msg("Subscriber channel is full, dropping event")
		}
	}
	subscribers := len(b.subscribers)
	b.subscribersLock.RUnlock()

	b.metrics.StreamEventsTotal.WithLabelValues("delivered").Add(float64(delivered))
	b.metrics.StreamEventsTotal.WithLabelValues("dropped").Add(float64(dropped))

	delay := time.Since(start).Seconds()
	b.metrics.StreamFlushLatency.Observe(delay)
	if delay > 0.1 {
		log.Warn().
			Str("component", "notifier").
			Float64("delay_seconds", delay).
			Int("subscribers", subscribers).
			Int("dropped", dropped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close delivers any pending event, stops the flush loop and closes every
// subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
			b.metrics.StreamSubscribers.Dec()
		}
	})
	return nil
}
