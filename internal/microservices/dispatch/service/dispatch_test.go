package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bakery-kds/internal/common/clock"
	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/common/testutil"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/lan"
	"bakery-kds/internal/microservices/dispatch/repository"
)

var start = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu      sync.Mutex
	entries []domain.DispatchQueueEntry
}

func (a *recordingAlerter) DispatchFailed(_ context.Context, e domain.DispatchQueueEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type fixture struct {
	svc     *DispatchService
	hub     *lan.Hub
	clk     *clock.FakeClock
	repo    repository.DispatchRepositoryInterface
	alerter *recordingAlerter
}

func quiet() *logger.Logger { return logger.NewWithWriter("dispatch-test", io.Discard) }

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRepo(t, repository.NewMemoryRepository())
}

func newFixtureWithRepo(t *testing.T, repo repository.DispatchRepositoryInterface) *fixture {
	t.Helper()
	clk := clock.Fake(start)
	hub := lan.NewHub(nil, clk)
	pos := hub.Join("pos-1", quiet())
	t.Cleanup(pos.Close)

	f := &fixture{hub: hub, clk: clk, repo: repo, alerter: &recordingAlerter{}}
	f.svc = NewDispatchService(Config{
		DeviceID:          "pos-1",
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        60 * time.Second,
		AckTimeout:        2 * time.Second,
		ProcessInterval:   10 * time.Second,
		ReconnectDebounce: 500 * time.Millisecond,
		SendTimeout:       time.Second,
	}, f.repo, pos, clk, f.alerter, quiet())
	t.Cleanup(f.svc.Close)
	return f
}

// station joins a display that reports every new-order frame and
// acknowledges the ones shouldAck approves. delivery counts from 1.
func (f *fixture) station(t *testing.T, shouldAck func(delivery int) bool) <-chan domain.NewOrderPayload {
	t.Helper()
	ch := f.hub.Join("kds-1", quiet())
	t.Cleanup(ch.Close)
	frames := make(chan domain.NewOrderPayload, 16)
	var n int
	ch.On(domain.TypeNewOrder, func(m lan.Message) {
		var env domain.LanMessage[domain.NewOrderPayload]
		if err := m.Decode(&env); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		n++
		frames <- env.Payload
		if shouldAck != nil && shouldAck(n) {
			_ = ch.Send(context.Background(), domain.TypeOrderAck, domain.OrderAckPayload{
				OrderID:        env.Payload.OrderID,
				Station:        env.Payload.Station,
				DeviceID:       "kds-1",
				AcknowledgedAt: start,
			})
		}
	})
	return frames
}

func order(id string, codes ...string) domain.Order {
	o := domain.Order{ID: id, OrderNumber: "A-" + id, OrderType: domain.OrderDineIn, CreatedAt: start, Source: domain.SourcePOS}
	for i, c := range codes {
		o.Items = append(o.Items, domain.OrderItem{
			ID: id + "-" + string(rune('a'+i)), ProductName: "item", Quantity: 1, DispatchStation: c, ItemStatus: domain.ItemNew,
		})
	}
	return o
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.svc.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	return n
}

func (f *fixture) entry(t *testing.T, orderID string, st domain.Station) domain.DispatchQueueEntry {
	t.Helper()
	e, err := f.repo.Get(context.Background(), domain.EntryKey{OrderID: orderID, Station: st})
	if err != nil {
		t.Fatalf("Get %s/%s: %v", orderID, st, err)
	}
	return e
}

func TestDispatchResolvesStationsAndAckDeletes(t *testing.T) {
	f := newFixture(t)
	frames := f.station(t, func(int) bool { return true })
	ctx := context.Background()

	o := order("o1", "hot_kitchen", "coffee", "none", "pastry")
	res, err := f.svc.Dispatch(ctx, o, o.Items)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.Dispatched) != 2 || res.Dispatched[0] != domain.StationKitchen || res.Dispatched[1] != domain.StationBarista || len(res.Queued) != 0 {
		t.Fatalf("result = %+v", res)
	}

	got := map[domain.Station]int{}
	for i := 0; i < 2; i++ {
		p := testutil.RequireReceive(t, frames, time.Second, "new order frame")
		got[p.Station] = len(p.Items)
	}
	if got[domain.StationKitchen] != 2 || got[domain.StationBarista] != 1 {
		t.Fatalf("items per station = %v", got)
	}

	testutil.Eventually(t, time.Second, func() bool { return f.pending(t) == 0 }, "ACKs to clear the queue")
	if st, ok := f.svc.OrderStatus(ctx, "o1"); !ok || st != domain.DispatchDispatched {
		t.Fatalf("OrderStatus = %q, %v", st, ok)
	}
}

func TestDispatchWithoutRoutedItems(t *testing.T) {
	f := newFixture(t)
	o := order("o1", "none")
	res, err := f.svc.Dispatch(context.Background(), o, nil)
	if err != nil || len(res.Dispatched)+len(res.Queued) != 0 {
		t.Fatalf("Dispatch = %+v, %v", res, err)
	}
	if _, err := f.svc.Dispatch(context.Background(), domain.Order{ID: "empty"}, nil); !errors.Is(err, domain.ErrNoItems) {
		t.Fatalf("empty order err = %v", err)
	}
}

func TestDispatchRejectsUndisplayableItems(t *testing.T) {
	tests := []struct {
		name string
		item domain.OrderItem
		want error
	}{
		{"zero quantity", domain.OrderItem{ID: "i1", ProductName: "bun", Quantity: 0, DispatchStation: "kitchen"}, domain.ErrInvalidQuantity},
		{"missing item id", domain.OrderItem{ProductName: "bun", Quantity: 1, DispatchStation: "kitchen"}, domain.ErrMissingField},
		{"unknown status", domain.OrderItem{ID: "i1", ProductName: "bun", Quantity: 1, DispatchStation: "kitchen", ItemStatus: "burnt"}, domain.ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			frames := f.station(t, func(int) bool { return true })
			o := domain.Order{ID: "o1", OrderType: domain.OrderDineIn, CreatedAt: start, Items: []domain.OrderItem{tt.item}}

			if _, err := f.svc.Dispatch(context.Background(), o, nil); !errors.Is(err, tt.want) {
				t.Fatalf("Dispatch err = %v, want %v", err, tt.want)
			}
			testutil.RequireNoReceive(t, frames, 50*time.Millisecond, "frame for a rejected order")
			if f.pending(t) != 0 {
				t.Fatalf("pending = %d, want 0", f.pending(t))
			}
			if _, ok := f.svc.OrderStatus(context.Background(), "o1"); ok {
				t.Fatal("rejected order reported a status")
			}
		})
	}
}

// failingPutRepo refuses to persist entries for one station.
type failingPutRepo struct {
	repository.DispatchRepositoryInterface
	station domain.Station
}

func (r failingPutRepo) Put(ctx context.Context, e domain.DispatchQueueEntry) error {
	if e.Station == r.station {
		return errors.New("disk full")
	}
	return r.DispatchRepositoryInterface.Put(ctx, e)
}

func TestDispatchContinuesPastStationStoreFailure(t *testing.T) {
	f := newFixtureWithRepo(t, failingPutRepo{repository.NewMemoryRepository(), domain.StationBarista})
	frames := f.station(t, func(int) bool { return true })
	ctx := context.Background()

	res, err := f.svc.Dispatch(ctx, order("o1", "coffee", "kitchen"), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.Dispatched) != 1 || res.Dispatched[0] != domain.StationKitchen ||
		len(res.Failed) != 1 || res.Failed[0] != domain.StationBarista {
		t.Fatalf("result = %+v", res)
	}
	if p := testutil.RequireReceive(t, frames, time.Second, "kitchen frame"); p.Station != domain.StationKitchen {
		t.Fatalf("frame for %s", p.Station)
	}
	testutil.RequireNoReceive(t, frames, 50*time.Millisecond, "barista frame")

	testutil.Eventually(t, time.Second, func() bool { return f.pending(t) == 0 }, "kitchen ACK")
	if st, _ := f.svc.OrderStatus(ctx, "o1"); st != domain.DispatchFailed {
		t.Fatalf("OrderStatus = %q, want failed", st)
	}

	res, err = f.svc.Dispatch(ctx, order("o2", "coffee"), nil)
	if err == nil || len(res.Failed) != 1 {
		t.Fatalf("Dispatch with every station failing = %+v, %v", res, err)
	}
}

func TestDispatchQueuesWhileDisconnectedAndFlushesAfterDebounce(t *testing.T) {
	f := newFixture(t)
	frames := f.station(t, nil)
	f.hub.SetActive(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	f.clk.WaitForTimers(1)

	o := order("o1", "kitchen")
	res, err := f.svc.Dispatch(ctx, o, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.Queued) != 1 || len(res.Dispatched) != 0 {
		t.Fatalf("result = %+v, want queued", res)
	}
	if e := f.entry(t, "o1", domain.StationKitchen); e.AttemptCount != 0 || e.Status != domain.DispatchPending {
		t.Fatalf("queued entry = %+v", e)
	}

	f.hub.SetActive(true)
	f.clk.Advance(499 * time.Millisecond)
	testutil.RequireNoReceive(t, frames, 50*time.Millisecond, "send before reconnect debounce elapsed")

	f.clk.Advance(time.Millisecond)
	p := testutil.RequireReceive(t, frames, time.Second, "queued order after reconnect")
	if p.OrderID != "o1" || p.Station != domain.StationKitchen {
		t.Fatalf("payload = %+v", p)
	}

	cancel()
	testutil.RequireReceive(t, done, time.Second, "Run to return")
}

func TestReconnectDebounceRestarts(t *testing.T) {
	f := newFixture(t)
	f.hub.SetActive(false)
	f.hub.SetActive(true)
	f.clk.Advance(300 * time.Millisecond)
	f.hub.SetActive(false)
	f.hub.SetActive(true)
	f.clk.Advance(300 * time.Millisecond)

	select {
	case <-f.svc.wake:
		t.Fatal("pass triggered before the restarted debounce elapsed")
	default:
	}
	f.clk.Advance(200 * time.Millisecond)
	select {
	case <-f.svc.wake:
	default:
		t.Fatal("pass not triggered after debounce")
	}
}

func TestRetryBackoffUntilFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("frame dropped")
	f.hub.FailNext(100, boom)

	res, err := f.svc.Dispatch(ctx, order("o1", "kitchen"), nil)
	if err != nil || len(res.Queued) != 1 {
		t.Fatalf("Dispatch = %+v, %v", res, err)
	}

	pr, err := f.svc.ProcessQueue(ctx)
	if err != nil || pr.Failed != 1 {
		t.Fatalf("first pass = %+v, %v", pr, err)
	}
	e := f.entry(t, "o1", domain.StationKitchen)
	if e.AttemptCount != 1 || !e.NextRetryAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("after first failure = %+v", e)
	}

	if pr, _ := f.svc.ProcessQueue(ctx); pr != (ProcessResult{}) {
		t.Fatalf("entry retried before its backoff: %+v", pr)
	}

	f.clk.Advance(2 * time.Second)
	f.svc.ProcessQueue(ctx)
	e = f.entry(t, "o1", domain.StationKitchen)
	if e.AttemptCount != 2 || !e.NextRetryAt.Equal(start.Add(6*time.Second)) {
		t.Fatalf("after second failure = %+v", e)
	}

	f.clk.Advance(4 * time.Second)
	f.svc.ProcessQueue(ctx)
	e = f.entry(t, "o1", domain.StationKitchen)
	if e.Status != domain.DispatchFailed || e.AttemptCount != 3 {
		t.Fatalf("after max attempts = %+v", e)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
	if n, _ := f.svc.FailedCount(ctx); n != 1 || f.pending(t) != 0 {
		t.Fatalf("failed = %d pending = %d", n, f.pending(t))
	}
	if st, _ := f.svc.OrderStatus(ctx, "o1"); st != domain.DispatchFailed {
		t.Fatalf("OrderStatus = %q", st)
	}

	f.clk.Advance(time.Minute)
	if pr, _ := f.svc.ProcessQueue(ctx); pr != (ProcessResult{}) {
		t.Fatalf("failed entry was retried: %+v", pr)
	}
}

func TestAckTimeoutCountsAsAttempt(t *testing.T) {
	f := newFixture(t)
	frames := f.station(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Dispatch(ctx, order("o1", "kitchen"), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	testutil.RequireReceive(t, frames, time.Second, "first delivery")

	if pr, _ := f.svc.ProcessQueue(ctx); pr.Processed != 0 {
		t.Fatalf("resent before ack timeout: %+v", pr)
	}

	f.clk.Advance(2 * time.Second)
	if pr, _ := f.svc.ProcessQueue(ctx); pr.Processed != 1 {
		t.Fatalf("no resend after ack timeout: %+v", pr)
	}
	testutil.RequireReceive(t, frames, time.Second, "second delivery")
	if e := f.entry(t, "o1", domain.StationKitchen); e.AttemptCount != 1 || e.LastSentAt == nil {
		t.Fatalf("after first timeout = %+v", e)
	}

	// Second timeout: backoff(2) = 4s from the last send.
	f.clk.Advance(2 * time.Second)
	if pr, _ := f.svc.ProcessQueue(ctx); pr.Processed != 0 {
		t.Fatalf("resent inside backoff window: %+v", pr)
	}
	f.clk.Advance(2 * time.Second)
	if pr, _ := f.svc.ProcessQueue(ctx); pr.Processed != 1 {
		t.Fatalf("no resend after backoff: %+v", pr)
	}
	if e := f.entry(t, "o1", domain.StationKitchen); e.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", e.AttemptCount)
	}
}

func TestLostDeliveryIsDisplayedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	displayed := map[string]int{}
	frames := f.station(t, func(n int) bool {
		if n == 1 {
			return false // lost in transit
		}
		return true
	})

	if _, err := f.svc.Dispatch(ctx, order("o1", "kitchen"), nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	testutil.RequireReceive(t, frames, time.Second, "lost delivery")

	f.clk.Advance(2 * time.Second)
	f.svc.ProcessQueue(ctx)
	p := testutil.RequireReceive(t, frames, time.Second, "redelivery")
	mu.Lock()
	displayed[p.OrderID]++
	mu.Unlock()

	testutil.Eventually(t, time.Second, func() bool { return f.pending(t) == 0 }, "ACK of redelivery")

	f.clk.Advance(time.Minute)
	if pr, _ := f.svc.ProcessQueue(ctx); pr != (ProcessResult{}) {
		t.Fatalf("acknowledged entry resent: %+v", pr)
	}
	testutil.RequireNoReceive(t, frames, 50*time.Millisecond, "delivery after ACK")
	if displayed["o1"] != 1 {
		t.Fatalf("displayed = %v", displayed)
	}
}

func TestStaleAcksAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.station(t, nil)
	ctx := context.Background()

	f.svc.Dispatch(ctx, order("o1", "kitchen"), nil)
	f.svc.Dispatch(ctx, order("o2", "kitchen"), nil)

	other := f.hub.Join("kds-2", quiet())
	t.Cleanup(other.Close)
	for _, ack := range []domain.OrderAckPayload{
		{OrderID: "o1", Station: domain.StationBarista},
		{OrderID: "ghost", Station: domain.StationKitchen},
		{OrderID: "", Station: domain.StationKitchen},
		{OrderID: "o2", Station: domain.StationKitchen}, // barrier
	} {
		if err := other.Send(ctx, domain.TypeOrderAck, ack); err != nil {
			t.Fatalf("Send ack: %v", err)
		}
	}
	testutil.Eventually(t, time.Second, func() bool {
		st, _ := f.svc.OrderStatus(ctx, "o2")
		return st == domain.DispatchDispatched
	}, "barrier ACK")

	if f.pending(t) != 1 {
		t.Fatalf("pending = %d, want the o1 kitchen entry", f.pending(t))
	}
	if st, _ := f.svc.OrderStatus(ctx, "o1"); st != domain.DispatchPending {
		t.Fatalf("o1 status = %q", st)
	}
}

func TestLateAckLeavesFailedEntry(t *testing.T) {
	f := newFixture(t)
	f.station(t, nil)
	ctx := context.Background()

	f.repo.Put(ctx, domain.DispatchQueueEntry{
		OrderID: "o1", Station: domain.StationKitchen, Status: domain.DispatchFailed, AttemptCount: 3, NextRetryAt: start,
	})
	f.svc.Dispatch(ctx, order("o2", "kitchen"), nil)

	other := f.hub.Join("kds-2", quiet())
	t.Cleanup(other.Close)
	for _, ack := range []domain.OrderAckPayload{
		{OrderID: "o1", Station: domain.StationKitchen},
		{OrderID: "o2", Station: domain.StationKitchen}, // barrier
	} {
		if err := other.Send(ctx, domain.TypeOrderAck, ack); err != nil {
			t.Fatalf("Send ack: %v", err)
		}
	}
	testutil.Eventually(t, time.Second, func() bool {
		st, _ := f.svc.OrderStatus(ctx, "o2")
		return st == domain.DispatchDispatched
	}, "barrier ACK")

	if n, _ := f.svc.FailedCount(ctx); n != 1 {
		t.Fatalf("failed = %d, want 1", n)
	}
	if e := f.entry(t, "o1", domain.StationKitchen); e.Status != domain.DispatchFailed {
		t.Fatalf("entry = %+v", e)
	}
	if st, _ := f.svc.OrderStatus(ctx, "o1"); st != domain.DispatchFailed {
		t.Fatalf("OrderStatus = %q", st)
	}
}

func TestInFlightEntryIsSkippedByProcessor(t *testing.T) {
	f := newFixture(t)
	frames := f.station(t, nil)
	ctx := context.Background()

	f.hub.FailNext(1, errors.New("dropped"))
	f.svc.Dispatch(ctx, order("o1", "kitchen"), nil)

	key := domain.EntryKey{OrderID: "o1", Station: domain.StationKitchen}
	if !f.svc.claim(key) {
		t.Fatal("claim failed")
	}
	if pr, _ := f.svc.ProcessQueue(ctx); pr != (ProcessResult{}) {
		t.Fatalf("processor sent an in-flight entry: %+v", pr)
	}
	f.svc.release(key)
	if pr, _ := f.svc.ProcessQueue(ctx); pr.Processed != 1 {
		t.Fatalf("entry not sent after release: %+v", pr)
	}
	testutil.RequireReceive(t, frames, time.Second, "delivery after release")
}

func TestOrderStatusFromStoreAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Put(ctx, domain.DispatchQueueEntry{OrderID: "old", Station: domain.StationDisplay, Status: domain.DispatchFailed, NextRetryAt: start})
	if st, ok := f.svc.OrderStatus(ctx, "old"); !ok || st != domain.DispatchFailed {
		t.Fatalf("OrderStatus(old) = %q, %v", st, ok)
	}
	if _, ok := f.svc.OrderStatus(ctx, "never"); ok {
		t.Fatal("unknown order reported a status")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 2*time.Second, 60*time.Second); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
