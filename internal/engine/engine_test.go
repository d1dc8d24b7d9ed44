package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
	"github.com/andriwidian/go-live-auction/internal/bus"
)

// fakeStore: Auction Store in-memory dengan version guard yang sama seperti
// store postgres. appendHook utk injeksi timeout.
type fakeStore struct {
	mu         sync.Mutex
	auctions   map[string]*auction.Auction
	bids       map[string][]auction.Bid
	appendHook func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		auctions: make(map[string]*auction.Auction),
		bids:     make(map[string][]auction.Bid),
	}
}

func (f *fakeStore) seed(a *auction.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[a.ID] = a.Clone()
}

func (f *fakeStore) bumpVersion(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[id].Version++
}

func (f *fakeStore) bidCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bids[id])
}

func (f *fakeStore) LoadAuction(ctx context.Context, id string) (*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	return a.Clone(), nil
}

func (f *fakeStore) CreateAuction(ctx context.Context, a *auction.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[a.ID] = a.Clone()
	return nil
}

func (f *fakeStore) AppendBid(ctx context.Context, b auction.Bid, next *auction.Auction) error {
	f.mu.Lock()
	hook := f.appendHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.auctions[next.ID]
	if !ok || cur.Version != next.Version-1 {
		return auction.ErrConflict
	}
	f.auctions[next.ID] = next.Clone()
	f.bids[b.AuctionID] = append(f.bids[b.AuctionID], b)
	return nil
}

func (f *fakeStore) UpdateAuction(ctx context.Context, next *auction.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.auctions[next.ID]
	if !ok || cur.Version != next.Version-1 {
		return auction.ErrConflict
	}
	f.auctions[next.ID] = next.Clone()
	return nil
}

func (f *fakeStore) SweepDueTransitions(ctx context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, a := range f.auctions {
		if (a.Status == auction.StatusScheduled && !now.Before(a.StartTime)) ||
			(a.Status == auction.StatusActive && now.After(a.EndTime)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func testBus() *bus.Bus {
	return bus.New(bus.Options{
		Producer:  "test",
		Origin:    "test-1",
		QueueSize: 128,
		Heartbeat: time.Hour, // heartbeat diam selama test
	}, nil, zap.NewNop())
}

func testEngine(t *testing.T, f *fakeStore, cfg Config) (*Engine, *bus.Bus) {
	t.Helper()
	b := testBus()
	if cfg.Producer == "" {
		cfg.Producer = "test"
	}
	e := New(cfg, f, b, zap.NewNop())
	t.Cleanup(func() { e.Close(); b.Close() })
	return e, b
}

func seedActive(f *fakeStore, id string, end time.Time) *auction.Auction {
	now := time.Now().UTC()
	a := &auction.Auction{
		ID:                 id,
		SellerID:           "seller",
		Title:              "lukisan",
		Status:             auction.StatusActive,
		StartingPriceCents: 10000,
		CurrentPriceCents:  10000,
		BidIncrementCents:  500,
		StartTime:          now.Add(-time.Hour),
		OriginalEndTime:    end,
		EndTime:            end,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	f.seed(a)
	return a
}

func TestPlaceBid_AcceptedUpdatesLedgerAndPublishes(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, b := testEngine(t, f, Config{})
	ctx := context.Background()

	events, unsub := b.Subscribe("a1")
	defer unsub()

	receipt, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)
	check.Equal(t, int64(10500), receipt.NewPriceCents)
	check.Equal(t, "u1", receipt.Bid.BidderID)

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, int64(10500), snap.CurrentPriceCents)
	check.Equal(t, "u1", snap.LastBidderID)
	check.Equal(t, 1, snap.BidCount)
	check.Equal(t, int64(2), snap.Version)
	check.Equal(t, 1, f.bidCount("a1"))

	select {
	case env := <-events:
		check.Equal(t, auction.EventBidAccepted, env.EventType)
		p, perr := auction.UnwrapPayload[auction.BidAcceptedPayload](env.Payload)
		assert.Nil(t, perr)
		check.Equal(t, int64(10500), p.NewPriceCents)
		check.Equal(t, receipt.Bid.ID, p.BidID)
	case <-time.After(time.Second):
		t.Fatal("no BidAccepted event")
	}
}

func TestPlaceBid_TooLowThenMinimumAccepted(t *testing.T) {
	f := newFakeStore()
	a := seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	a.CurrentPriceCents = 100
	a.BidIncrementCents = 5
	f.seed(a)
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	_, err := e.PlaceBid(ctx, "a1", "u1", 103)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonTooLow, rej.Reason)
	check.Equal(t, int64(105), rej.MinBidCents)

	receipt, err := e.PlaceBid(ctx, "a1", "u1", 105)
	assert.Nil(t, err)
	check.Equal(t, int64(105), receipt.NewPriceCents)
}

// Dua bid "bersamaan" 110 vs 108 terhadap harga 100: yang menang slot
// serializer diterima, yang satunya dievaluasi terhadap harga baru dan
// ditolak TOO_LOW. Tidak pernah dua bid lolos admission dgn harga prior sama.
func TestPlaceBid_ConcurrentNoDoubleAdmit(t *testing.T) {
	f := newFakeStore()
	a := seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	a.CurrentPriceCents = 100
	a.BidIncrementCents = 5
	f.seed(a)
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	type result struct {
		amount int64
		err    error
	}
	results := make(chan result, 2)
	for _, amt := range []int64{110, 108} {
		amt := amt
		go func() {
			_, err := e.PlaceBid(ctx, "a1", "rival", amt)
			results <- result{amount: amt, err: err}
		}()
	}

	var accepted, rejected int
	var acceptedAmount int64
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			accepted++
			acceptedAmount = r.amount
		} else {
			rej, ok := auction.AsRejection(r.err)
			assert.True(t, ok)
			check.Equal(t, auction.ReasonTooLow, rej.Reason)
			rejected++
		}
	}
	check.Equal(t, 1, accepted)
	check.Equal(t, 1, rejected)

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, acceptedAmount, snap.CurrentPriceCents)
	check.Equal(t, 1, f.bidCount("a1"))
}

func TestPlaceBid_SamePriorPriceOnlyOneWins(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := e.PlaceBid(ctx, "a1", "bidder", 10500)
			errs <- err
		}()
	}
	var accepted int
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			accepted++
		}
	}
	check.Equal(t, 1, accepted)
	check.Equal(t, 1, f.bidCount("a1"))
}

func TestPlaceBid_OwnAuctionNoStateChangeNoEvent(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, b := testEngine(t, f, Config{})
	ctx := context.Background()

	events, unsub := b.Subscribe("a1")
	defer unsub()

	_, err := e.PlaceBid(ctx, "a1", "seller", 10500)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonOwnAuction, rej.Reason)

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, int64(10000), snap.CurrentPriceCents)
	check.Equal(t, 0, f.bidCount("a1"))

	select {
	case env := <-events:
		t.Fatalf("unexpected event %s", env.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPlaceBid_CreatedAtStrictlyIncreasing(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	r1, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)
	r2, err := e.PlaceBid(ctx, "a1", "u2", 11000)
	assert.Nil(t, err)
	check.True(t, r2.Bid.CreatedAt.After(r1.Bid.CreatedAt))
}

func TestPlaceBid_UpstreamTimeoutLeavesLedgerUntouched(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, _ := testEngine(t, f, Config{StoreTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	f.mu.Lock()
	f.appendHook = func(hctx context.Context) error {
		<-hctx.Done()
		return hctx.Err()
	}
	f.mu.Unlock()

	_, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonUpstreamTimeout, rej.Reason)
	check.True(t, rej.Retryable())

	// ledger tidak boleh lebih maju dari durable state
	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, int64(10000), snap.CurrentPriceCents)
	check.Equal(t, 0, f.bidCount("a1"))

	// retry setelah store sehat: sukses
	f.mu.Lock()
	f.appendHook = nil
	f.mu.Unlock()
	_, err = e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)
}

func TestPlaceBid_UpstreamConflictThenRehydrate(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	_, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)

	// admin edit di luar core: version bergerak tanpa sepengetahuan ledger
	f.bumpVersion("a1")

	_, err = e.PlaceBid(ctx, "a1", "u2", 11000)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonUpstreamConflict, rej.Reason)

	// attempt berikutnya rehydrate dari store dan jalan normal
	receipt, err := e.PlaceBid(ctx, "a1", "u2", 11000)
	assert.Nil(t, err)
	check.Equal(t, int64(11000), receipt.NewPriceCents)
}

type deadlineBroadcaster struct {
	mu        sync.Mutex
	deadlines []bool
}

func (d *deadlineBroadcaster) Broadcast(ctx context.Context, _ auction.Envelope) error {
	_, ok := ctx.Deadline()
	d.mu.Lock()
	d.deadlines = append(d.deadlines, ok)
	d.mu.Unlock()
	return nil
}

// Broadcast dipanggil dari dalam serialized section: ctx-nya harus punya
// deadline, jangan cuma ngandelin default client redis.
func TestPublish_BroadcastBoundedByDeadline(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))

	bc := &deadlineBroadcaster{}
	b := bus.New(bus.Options{
		Producer:  "test",
		Origin:    "test-1",
		QueueSize: 16,
		Heartbeat: time.Hour,
	}, bc, zap.NewNop())
	e := New(Config{Producer: "test"}, f, b, zap.NewNop())
	defer func() { e.Close(); b.Close() }()

	_, err := e.PlaceBid(context.Background(), "a1", "u1", 10500)
	assert.Nil(t, err)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Equal(t, 1, len(bc.deadlines))
	check.True(t, bc.deadlines[0])
}

func TestPlaceBid_NotFound(t *testing.T) {
	f := newFakeStore()
	e, _ := testEngine(t, f, Config{})

	_, err := e.PlaceBid(context.Background(), "ghost", "u1", 100)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonNotFound, rej.Reason)
}

func TestPlaceBid_AntiSnipeExtendsAndLateBidSeesNewDeadline(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(300*time.Millisecond))
	e, _ := testEngine(t, f, Config{
		Policy: auction.Policy{Window: 5 * time.Second, Step: 5 * time.Second, Cap: time.Minute},
	})
	ctx := context.Background()

	r1, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)
	snap, _ := e.Snapshot(ctx, "a1")
	check.True(t, r1.NewEndTime.After(snap.OriginalEndTime))

	// originalEndTime sudah lewat, tapi snapshot ledger sudah memuat extension:
	// bid "telat" ini tetap diterima
	time.Sleep(400 * time.Millisecond)
	r2, err := e.PlaceBid(ctx, "a1", "u2", 11000)
	assert.Nil(t, err)
	check.False(t, r2.NewEndTime.Before(r1.NewEndTime))
}

func TestPlaceBid_ExtensionNeverExceedsCap(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(100*time.Millisecond))
	e, _ := testEngine(t, f, Config{
		Policy: auction.Policy{Window: 10 * time.Second, Step: 10 * time.Second, Cap: 2 * time.Second},
	})
	ctx := context.Background()

	_, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, snap.OriginalEndTime.Add(2*time.Second), snap.EndTime)
	check.Equal(t, 2*time.Second, snap.CumulativeExtension)
}

func TestPlaceBid_AfterDeadlineRejectedEnded(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(-time.Second))
	e, _ := testEngine(t, f, Config{})

	_, err := e.PlaceBid(context.Background(), "a1", "u1", 10500)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonEnded, rej.Reason)
}

func TestSweepDue_ScheduledToActive(t *testing.T) {
	f := newFakeStore()
	now := time.Now().UTC()
	a := seedActive(f, "a1", now.Add(10*time.Minute))
	a.Status = auction.StatusScheduled
	a.StartTime = now.Add(-time.Second)
	f.seed(a)
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	assert.Nil(t, e.SweepDue(ctx, now))

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, auction.StatusActive, snap.Status)
}

func TestSweepDue_ActiveToEndedWithWinner(t *testing.T) {
	f := newFakeStore()
	end := time.Now().UTC().Add(250 * time.Millisecond)
	seedActive(f, "a1", end)
	e, b := testEngine(t, f, Config{
		// window kecil: bid di bawah tidak memicu extension
		Policy: auction.Policy{Window: time.Millisecond, Step: time.Millisecond, Cap: time.Millisecond},
	})
	ctx := context.Background()

	_, err := e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)

	events, unsub := b.Subscribe("a1")
	defer unsub()

	time.Sleep(300 * time.Millisecond)
	assert.Nil(t, e.SweepDue(ctx, time.Now().UTC()))

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, auction.StatusEnded, snap.Status)
	check.Equal(t, "u1", snap.WinnerID)

	select {
	case env := <-events:
		check.Equal(t, auction.EventStatusChanged, env.EventType)
		p, perr := auction.UnwrapPayload[auction.StatusChangedPayload](env.Payload)
		assert.Nil(t, perr)
		check.Equal(t, auction.StatusEnded, p.Status)
		check.Equal(t, "u1", p.WinnerID)
	case <-time.After(time.Second):
		t.Fatal("no StatusChanged event")
	}
}

func TestSweepDue_EndedUnsoldWithoutBids(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(-time.Second))
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	assert.Nil(t, e.SweepDue(ctx, time.Now().UTC()))

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, auction.StatusEnded, snap.Status)
	check.Equal(t, "", snap.WinnerID)
}

func TestSweepDue_SkipsWhenLedgerDeadlineMoved(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(10*time.Minute))
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()

	// sweep dgn now lama: store bisa saja menganggap due, ledger yang menentukan
	assert.Nil(t, e.ser.Do(ctx, "a1", func() {
		check.Nil(t, e.sweepOne("a1", time.Now().UTC()))
	}))

	snap, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)
	check.Equal(t, auction.StatusActive, snap.Status)
}

func TestLifecycle_PublishCancelMarkSold(t *testing.T) {
	f := newFakeStore()
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	draft := &auction.Auction{
		SellerID:           "seller",
		Title:              "keris",
		StartingPriceCents: 5000,
		BidIncrementCents:  100,
		OriginalEndTime:    now.Add(time.Hour),
		EndTime:            now.Add(time.Hour),
	}
	assert.Nil(t, e.CreateAuction(ctx, draft))
	check.Equal(t, auction.StatusDraft, draft.Status)

	// publish oleh bukan seller: ditolak
	_, err := e.PublishAuction(ctx, draft.ID, "intruder", false)
	rej, ok := auction.AsRejection(err)
	assert.True(t, ok)
	check.Equal(t, auction.ReasonAuthRequired, rej.Reason)

	// publish tanpa start di masa depan: langsung ACTIVE
	a, err := e.PublishAuction(ctx, draft.ID, "seller", false)
	assert.Nil(t, err)
	check.Equal(t, auction.StatusActive, a.Status)
	check.Equal(t, a.EndTime, a.OriginalEndTime)

	// ada bid: seller tidak boleh cancel, admin boleh
	_, err = e.PlaceBid(ctx, draft.ID, "u1", 5100)
	assert.Nil(t, err)
	_, err = e.CancelAuction(ctx, draft.ID, "seller", false)
	check.True(t, errors.Is(err, auction.ErrHasBids))
	a, err = e.CancelAuction(ctx, draft.ID, "admin", true)
	assert.Nil(t, err)
	check.Equal(t, auction.StatusCancelled, a.Status)

	// MarkSold hanya dari ENDED
	_, err = e.MarkSold(ctx, draft.ID)
	check.True(t, errors.Is(err, auction.ErrTransition))
}

func TestLifecycle_PublishFutureStartSchedules(t *testing.T) {
	f := newFakeStore()
	e, _ := testEngine(t, f, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	draft := &auction.Auction{
		SellerID:           "seller",
		Title:              "batik",
		StartingPriceCents: 5000,
		BidIncrementCents:  100,
		StartTime:          now.Add(time.Hour),
		OriginalEndTime:    now.Add(2 * time.Hour),
		EndTime:            now.Add(2 * time.Hour),
	}
	assert.Nil(t, e.CreateAuction(ctx, draft))

	a, err := e.PublishAuction(ctx, draft.ID, "seller", false)
	assert.Nil(t, err)
	check.Equal(t, auction.StatusScheduled, a.Status)
}

func TestMarkSold_FromEnded(t *testing.T) {
	f := newFakeStore()
	a := seedActive(f, "a1", time.Now().UTC().Add(time.Hour))
	a.Status = auction.StatusEnded
	a.WinnerID = "u1"
	f.seed(a)
	e, _ := testEngine(t, f, Config{})

	sold, err := e.MarkSold(context.Background(), "a1")
	assert.Nil(t, err)
	check.Equal(t, auction.StatusSold, sold.Status)
	check.Equal(t, "u1", sold.WinnerID)
}

// Round-trip penuh lewat bus: fold event log = state ledger akhir.
func TestEventLogReplayMatchesFinalState(t *testing.T) {
	f := newFakeStore()
	seedActive(f, "a1", time.Now().UTC().Add(400*time.Millisecond))
	e, b := testEngine(t, f, Config{
		Policy: auction.Policy{Window: time.Millisecond, Step: time.Millisecond, Cap: time.Millisecond},
	})
	ctx := context.Background()

	base, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)

	events, unsub := b.Subscribe("a1")
	defer unsub()

	_, err = e.PlaceBid(ctx, "a1", "u1", 10500)
	assert.Nil(t, err)
	_, err = e.PlaceBid(ctx, "a1", "u2", 11000)
	assert.Nil(t, err)
	time.Sleep(500 * time.Millisecond)
	assert.Nil(t, e.SweepDue(ctx, time.Now().UTC()))

	final, err := e.Snapshot(ctx, "a1")
	assert.Nil(t, err)

	var log []auction.Envelope
collect:
	for {
		select {
		case env := <-events:
			log = append(log, env)
			if env.EventType == auction.EventStatusChanged {
				break collect
			}
		case <-time.After(time.Second):
			t.Fatal("event log incomplete")
		}
	}

	replayed, err := auction.Replay(base, log)
	assert.Nil(t, err)
	check.Equal(t, final.CurrentPriceCents, replayed.CurrentPriceCents)
	check.Equal(t, final.Status, replayed.Status)
	check.Equal(t, final.WinnerID, replayed.WinnerID)
	check.Equal(t, final.BidCount, replayed.BidCount)
	check.Equal(t, final.LastBidderID, replayed.LastBidderID)
}
