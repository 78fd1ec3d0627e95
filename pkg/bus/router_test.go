package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/common"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusRouter_Post(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	err := r.Post(FillEvent, common.FillReport{})
	if err != nil {
		t.Errorf("Post failed: %v", err)
	}

	if r.postCount.Load() != 1 {
		t.Errorf("Expected postCount=1, got %d", r.postCount.Load())
	}
}

func TestBusRouter_PostCapacityReached(t *testing.T) {
	r := NewRouter(zap.NewNop(), 1)

	err := r.Post(BookEvent, common.Book{})
	if err != nil {
		t.Errorf("First Post failed: %v", err)
	}

	err = r.Post(BookEvent, common.Book{})
	if !errors.Is(err, ErrCapacityReached) {
		t.Errorf("Expected ErrCapacityReached, got %v", err)
	}

	if r.postFails.Load() != 1 {
		t.Errorf("Expected postFails=1, got %d", r.postFails.Load())
	}
}

func TestBusRouter_Exec(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	var fillHandled atomic.Bool
	r.OnFill = func(ctx context.Context, report common.FillReport) {
		fillHandled.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := r.Exec(ctx)

	if err := r.Post(FillEvent, common.FillReport{}); err != nil {
		t.Errorf("Post failed: %v", err)
	}

	waitFor(t, fillHandled.Load)
	cancel()

	err := <-errChan
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if r.dispatchCount.Load() != 1 {
		t.Errorf("Expected dispatchCount=1, got %d", r.dispatchCount.Load())
	}
}

func TestBusRouter_AllEventTypes(t *testing.T) {
	r := NewRouter(zap.NewNop(), 20)

	var mu sync.Mutex
	handled := map[EventId]bool{}
	mark := func(id EventId) {
		mu.Lock()
		defer mu.Unlock()
		handled[id] = true
	}

	r.OnBook = func(ctx context.Context, book common.Book) { mark(BookEvent) }
	r.OnAccountState = func(ctx context.Context, state common.AccountState) { mark(AccountStateEvent) }
	r.OnOrderAcceptance = func(ctx context.Context, oa common.OrderAccepted) { mark(OrderAcceptanceEvent) }
	r.OnOrderRejection = func(ctx context.Context, or common.OrderRejected) { mark(OrderRejectionEvent) }
	r.OnOrderCancel = func(ctx context.Context, oc common.OrderCancelled) { mark(OrderCancelledEvent) }
	r.OnFill = func(ctx context.Context, report common.FillReport) { mark(FillEvent) }

	posts := []struct {
		id   EventId
		data any
	}{
		{BookEvent, common.Book{}},
		{AccountStateEvent, common.AccountState{}},
		{OrderAcceptanceEvent, common.OrderAccepted{}},
		{OrderRejectionEvent, common.OrderRejected{}},
		{OrderCancelledEvent, common.OrderCancelled{}},
		{FillEvent, common.FillReport{}},
	}
	for _, p := range posts {
		if err := r.Post(p.id, p.data); err != nil {
			t.Errorf("Post failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := r.Exec(ctx)

	waitFor(t, func() bool { return r.dispatchCount.Load() == uint64(len(posts)) })
	cancel()
	<-errChan

	mu.Lock()
	defer mu.Unlock()
	for _, p := range posts {
		if !handled[p.id] {
			t.Errorf("Handler for %s not called", p.id)
		}
	}
}

func TestBusRouter_InvalidTypeAssertion(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	r.OnFill = func(ctx context.Context, report common.FillReport) {
		t.Error("Handler should not be called")
	}

	if err := r.Post(FillEvent, "invalid data type"); err != nil {
		t.Errorf("Post failed: %v", err)
	}

	r.Drain(context.Background())

	if r.dispatchFails.Load() != 1 {
		t.Errorf("Expected dispatchFails=1, got %d", r.dispatchFails.Load())
	}
}

func TestBusRouter_NilHandlers(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	if err := r.Post(BookEvent, common.Book{}); err != nil {
		t.Errorf("Post failed: %v", err)
	}
	if err := r.Post(OrderRejectionEvent, common.OrderRejected{}); err != nil {
		t.Errorf("Post failed: %v", err)
	}

	r.Drain(context.Background())

	if r.dispatchCount.Load() != 2 {
		t.Errorf("Expected dispatchCount=2, got %d", r.dispatchCount.Load())
	}

	if r.dispatchFails.Load() != 0 {
		t.Errorf("Expected dispatchFails=0, got %d", r.dispatchFails.Load())
	}
}

func TestBusRouter_UnsupportedEventId(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	if err := r.Post(EventId(99), struct{}{}); err != nil {
		t.Errorf("Post failed: %v", err)
	}

	r.Drain(context.Background())

	if r.dispatchFails.Load() != 1 {
		t.Errorf("Expected dispatchFails=1, got %d", r.dispatchFails.Load())
	}
}

func TestBusRouter_ConcurrentPost(t *testing.T) {
	r := NewRouter(zap.NewNop(), 1000)

	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := r.Post(BookEvent, common.Book{}); err != nil {
					t.Errorf("Post failed: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	expectedPosts := uint64(numGoroutines * eventsPerGoroutine)
	if r.postCount.Load() != expectedPosts {
		t.Errorf("Expected postCount=%d, got %d", expectedPosts, r.postCount.Load())
	}
}

func TestBusRouter_ContextCancellation(t *testing.T) {
	r := NewRouter(zap.NewNop(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := r.Exec(ctx)

	cancel()

	err := <-errChan
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBusRouter_MergeHandlers(t *testing.T) {
	var calls int
	merged := MergeHandlers[common.Book](
		func(ctx context.Context, book common.Book) { calls++ },
		nil,
		func(ctx context.Context, book common.Book) { calls++ },
	)
	merged(context.Background(), common.Book{})
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func BenchmarkBusRouter_Post(b *testing.B) {
	r := NewRouter(zap.NewNop(), b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Post(FillEvent, common.FillReport{}); err != nil {
			b.Fatal(err)
		}
	}
}
