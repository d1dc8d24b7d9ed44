package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestSerializer_FIFOWithinKey(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()
	ctx := context.Background()

	var got []int
	// satu enqueuer: urutan Do = urutan eksekusi, termasuk lintas lane revive
	for i := 0; i < 50; i++ {
		i := i
		assert.Nil(t, s.Do(ctx, "a1", func() { got = append(got, i) }))
	}

	assert.Equal(t, 50, len(got))
	for i, v := range got {
		check.Equal(t, i, v)
	}
}

func TestSerializer_MutualExclusionPerKey(t *testing.T) {
	s := NewSerializer(1024)
	defer s.Close()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(ctx, "hot", func() {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&inside, -1)
			})
		}()
	}
	wg.Wait()

	check.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestSerializer_KeysRunInParallel(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.Do(ctx, "a1", func() {
			close(started)
			<-release // block lane a1
		})
	}()
	<-started
	go func() {
		defer wg.Done()
		// lane a2 harus jalan walau a1 masih nge-block
		_ = s.Do(ctx, "a2", func() { close(release) })
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lanes did not run in parallel")
	}
}

func TestSerializer_LaneRetiresAndRevives(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()
	ctx := context.Background()

	assert.Nil(t, s.Do(ctx, "a1", func() {}))
	// lane sudah drained; Do berikutnya bikin lane baru tanpa masalah
	assert.Nil(t, s.Do(ctx, "a1", func() {}))

	s.mu.Lock()
	n := len(s.lanes)
	s.mu.Unlock()
	check.Equal(t, 0, n)
}

func TestSerializer_CancelledContextBeforeEnqueue(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Do(ctx, "a1", func() { t.Fatal("must not run") })
	check.Error(t, err)
}

func TestSerializer_ClosedRejectsNewWork(t *testing.T) {
	s := NewSerializer(16)
	s.Close()

	err := s.Do(context.Background(), "a1", func() {})
	check.Equal(t, ErrSerializerClosed, err, cmpopts.EquateErrors())
}
