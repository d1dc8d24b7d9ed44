package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
)

// Broadcaster meneruskan event ke instance lain (redis pub/sub). Optional:
// single-instance deployment cukup nil.
type Broadcaster interface {
	Broadcast(ctx context.Context, env auction.Envelope) error
}

type Options struct {
	Producer  string        // service name, masuk ke envelope
	Origin    string        // instance id, dipakai relay utk skip echo
	QueueSize int           // buffer per subscriber
	Heartbeat time.Duration // periode heartbeat, independen dari bid activity
}

// Bus melakukan fan-out event per auction ke banyak subscriber. Subscriber
// lambat tidak boleh menahan publisher: queue bounded, overflow -> subscriber
// di-drop (channel ditutup), yang lain jalan terus.
type Bus struct {
	opts        Options
	log         *zap.Logger
	broadcaster Broadcaster

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	auctionID string
	ch        chan auction.Envelope
	dropOnce  sync.Once
}

func New(opts Options, broadcaster Broadcaster, log *zap.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	b := &Bus{
		opts:        opts,
		log:         log,
		broadcaster: broadcaster,
		topics:      make(map[string]map[*subscriber]struct{}),
		done:        make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

func (b *Bus) Origin() string { return b.opts.Origin }

// Subscribe mendaftarkan viewer untuk satu auction. Channel ditutup saat
// unsubscribe, overflow, atau bus Close. Unsubscribe idempotent dan aman
// dipanggil concurrent dengan publish yang sedang jalan.
func (b *Bus) Subscribe(auctionID string) (<-chan auction.Envelope, func()) {
	s := &subscriber{
		auctionID: auctionID,
		ch:        make(chan auction.Envelope, b.opts.QueueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	set, ok := b.topics[auctionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.topics[auctionID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() { b.drop(s) }
}

// Publish mengirim event ke semua subscriber lokal (urutan pemanggilan
// Publish per auction = urutan yang dilihat semua subscriber) lalu mirror ke
// instance lain via broadcaster.
func (b *Bus) Publish(ctx context.Context, env auction.Envelope) {
	b.deliver(env)
	if b.broadcaster != nil {
		if err := b.broadcaster.Broadcast(ctx, env); err != nil {
			b.log.Warn("bus: broadcast failed",
				zap.String("auction_id", env.AuctionID),
				zap.String("event_type", env.EventType),
				zap.Error(err))
		}
	}
}

// Deliver hanya fan-out lokal; dipakai relay untuk event dari instance lain.
func (b *Bus) Deliver(env auction.Envelope) { b.deliver(env) }

func (b *Bus) deliver(env auction.Envelope) {
	var victims []*subscriber

	b.mu.RLock()
	for s := range b.topics[env.AuctionID] {
		select {
		case s.ch <- env:
		default:
			// queue penuh: subscriber ini korban, jangan stall yang lain
			victims = append(victims, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range victims {
		b.log.Warn("bus: dropping slow subscriber", zap.String("auction_id", s.auctionID))
		b.drop(s)
	}
}

// SubscriberCount reports the number of live subscribers for an auction.
func (b *Bus) SubscriberCount(auctionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[auctionID])
}

func (b *Bus) drop(s *subscriber) {
	s.dropOnce.Do(func() {
		b.mu.Lock()
		if set, ok := b.topics[s.auctionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.topics, s.auctionID)
			}
		}
		// close di bawah write lock: semua sender pegang read lock, jadi tidak
		// mungkin ada send ke channel yang sudah ditutup.
		close(s.ch)
		b.mu.Unlock()
	})
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.RLock()
			ids := make([]string, 0, len(b.topics))
			for id := range b.topics {
				ids = append(ids, id)
			}
			b.mu.RUnlock()
			for _, id := range ids {
				b.deliver(auction.NewHeartbeat(b.opts.Producer, b.opts.Origin, id))
			}
		}
	}
}

// Close menghentikan heartbeat dan menutup semua subscriber.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		var all []*subscriber
		for _, set := range b.topics {
			for s := range set {
				all = append(all, s)
			}
		}
		b.mu.Unlock()
		for _, s := range all {
			b.drop(s)
		}
	})
}
