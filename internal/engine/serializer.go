package engine

import (
	"context"
	"errors"
	"sync"
)

var ErrSerializerClosed = errors.New("serializer closed")

// Serializer menjamin maksimal satu job jalan per auction key, FIFO sesuai
// urutan enqueue; key berbeda jalan paralel penuh. Satu lane = satu goroutine
// consumer di atas channel buffered; lane pensiun sendiri saat kosong.
type Serializer struct {
	queueSize int

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	jobs    chan job
	pending int // diakses di bawah Serializer.mu
}

type job struct {
	fn   func()
	done chan struct{}
}

func NewSerializer(queueSize int) *Serializer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Serializer{
		queueSize: queueSize,
		lanes:     make(map[string]*lane),
	}
}

// Do menjalankan fn dengan akses eksklusif ke state auction tsb, lalu block
// sampai fn selesai. Sekali ter-enqueue, job selalu jalan sampai tuntas:
// caller disconnect tidak membatalkan bid yang sudah diterima, jadi ctx hanya
// dicek sebelum enqueue.
func (s *Serializer) Do(ctx context.Context, auctionID string, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}
	l, ok := s.lanes[auctionID]
	if !ok {
		l = &lane{jobs: make(chan job, s.queueSize)}
		s.lanes[auctionID] = l
		s.wg.Add(1)
		go s.run(auctionID, l)
	}
	l.pending++
	s.mu.Unlock()

	j := job{fn: fn, done: make(chan struct{})}
	l.jobs <- j
	<-j.done
	return nil
}

func (s *Serializer) run(auctionID string, l *lane) {
	defer s.wg.Done()
	for {
		j := <-l.jobs
		j.fn()
		close(j.done)

		s.mu.Lock()
		l.pending--
		if l.pending == 0 {
			// lane kosong: pensiun. Do berikutnya bikin lane baru.
			delete(s.lanes, auctionID)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// Close menolak job baru dan menunggu semua lane drain.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
