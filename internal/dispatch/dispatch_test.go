package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/pocketsession/errs"
	"github.com/tradewire/pocketsession/validator"
)

func frameOf(text string) Frame {
	return Frame{Payload: []byte(text), Received: time.Now()}
}

func TestAwaitResolvesWithFirstMatch(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	done := make(chan struct{})
	var got Frame
	var err error
	go func() {
		defer close(done)
		got, err = r.Await(context.Background(), validator.Contains("successauth"), time.Second)
	}()

	// Give the waiter time to register before dispatching.
	time.Sleep(20 * time.Millisecond)
	r.Dispatch(context.Background(), frameOf(`42["ps"]`))
	r.Dispatch(context.Background(), frameOf(`42["updateStream",[]]`))
	r.Dispatch(context.Background(), frameOf(`42["successauth"]`))

	<-done
	if err != nil {
		t.Fatalf("unexpected await error: %v", err)
	}
	if got.Text() != `42["successauth"]` {
		t.Fatalf("await resolved with wrong frame: %s", got.Text())
	}
}

func TestAwaitAtMostOnceFulfilment(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	results := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), validator.Contains("match"), 500*time.Millisecond)
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	r.Dispatch(context.Background(), frameOf("first match"))
	// A second matching frame must not find a registered slot anymore.
	r.Dispatch(context.Background(), frameOf("second match"))

	if err := <-results; err != nil {
		t.Fatalf("first match should fulfil: %v", err)
	}

	r.mu.Lock()
	remaining := len(r.pendings)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("fulfilled slot must deregister, %d still pending", remaining)
	}
}

func TestAwaitTimeoutBounds(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	const deadline = 100 * time.Millisecond
	start := time.Now()
	_, err := r.Await(context.Background(), validator.Contains("never"), deadline)
	elapsed := time.Since(start)

	if !errs.IsTimeout(err) {
		t.Fatalf("want timeout envelope, got %v", err)
	}
	if elapsed < deadline {
		t.Fatalf("timeout fired early after %v", elapsed)
	}
	if elapsed > deadline+500*time.Millisecond {
		t.Fatalf("timeout fired far too late after %v", elapsed)
	}
}

func TestLateFrameCannotFulfilExpiredSlot(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	_, err := r.Await(context.Background(), validator.Contains("late"), 30*time.Millisecond)
	if !errs.IsTimeout(err) {
		t.Fatalf("want timeout, got %v", err)
	}

	// The expired registration must be gone; this dispatch has no receiver.
	r.Dispatch(context.Background(), frameOf("late frame"))

	r.mu.Lock()
	remaining := len(r.pendings)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expired slot leaked, %d pending", remaining)
	}
}

func TestConcurrentAwaitsAreIndependent(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, marker := range []string{"alpha", "beta"} {
		marker := marker
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame, err := r.Await(context.Background(), validator.Contains(marker), time.Second)
			if err == nil && frame.Text() != "payload "+marker {
				err = errs.New("test", errs.CodeInvalid, errs.WithMessage("wrong frame "+frame.Text()))
			}
			errCh <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	r.Dispatch(context.Background(), frameOf("payload beta"))
	r.Dispatch(context.Background(), frameOf("payload alpha"))

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent await failed: %v", err)
		}
	}
}

func TestTicketArmedBeforeDispatch(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	ticket, err := r.Register(validator.StartsWith("0"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// The frame arrives before anyone waits; the slot buffers it.
	r.Dispatch(context.Background(), frameOf(`0{"sid":"abc"}`))

	frame, err := ticket.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if frame.Text() != `0{"sid":"abc"}` {
		t.Fatalf("wrong frame: %s", frame.Text())
	}
}

func TestTicketCancelReleasesSlot(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	ticket, err := r.Register(validator.Contains("never"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ticket.Cancel()
	ticket.Cancel()

	r.mu.Lock()
	remaining := len(r.pendings)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("cancelled ticket leaked, %d pending", remaining)
	}
}

func TestSubscriptionFanOutDeliversToAll(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	v := validator.Contains("EURUSD")
	first := r.Subscribe(v, SubscribeOptions{})
	second := r.Subscribe(v, SubscribeOptions{})

	for i := 0; i < 3; i++ {
		r.Dispatch(context.Background(), frameOf(`42["updateStream",[["EURUSD_otc"]]]`))
	}
	r.Dispatch(context.Background(), frameOf(`42["updateStream",[["GBPJPY"]]]`))

	for name, s := range map[string]interface{ RecvTimeout(time.Duration) (Frame, error) }{"first": first, "second": second} {
		for i := 0; i < 3; i++ {
			frame, err := s.RecvTimeout(time.Second)
			if err != nil {
				t.Fatalf("%s subscription recv %d: %v", name, i, err)
			}
			if frame.Text() != `42["updateStream",[["EURUSD_otc"]]]` {
				t.Fatalf("%s subscription got wrong frame: %s", name, frame.Text())
			}
		}
	}
}

func TestSubscriptionCancelIdempotent(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	sub := r.Subscribe(validator.None(), SubscribeOptions{})
	sub.Close()
	sub.Close()

	r.mu.Lock()
	remaining := len(r.subs)
	r.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("cancelled subscription leaked, %d registered", remaining)
	}
}

func TestSubscriptionExpiryEndsStream(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	sub := r.Subscribe(validator.None(), SubscribeOptions{Expiry: 40 * time.Millisecond})
	_, err := sub.RecvTimeout(time.Second)
	if errs.CodeOf(err) != errs.CodeStreamExhausted {
		t.Fatalf("want stream_exhausted after expiry, got %v", err)
	}
}

func TestFailPendingsLeavesSubscriptionsLive(t *testing.T) {
	r := NewRouter(Config{})
	defer r.Close(nil)

	sub := r.Subscribe(validator.None(), SubscribeOptions{})
	awaitErr := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), validator.Contains("never"), time.Second)
		awaitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	r.FailPendings(errs.New("transport", errs.CodeConnection, errs.WithMessage("socket lost")))

	if err := <-awaitErr; !errs.IsConnection(err) {
		t.Fatalf("pending should fail with connection error, got %v", err)
	}

	// Subscription keeps receiving after the simulated disconnect.
	r.Dispatch(context.Background(), frameOf("post-reconnect frame"))
	frame, err := sub.RecvTimeout(time.Second)
	if err != nil {
		t.Fatalf("subscription should survive FailPendings: %v", err)
	}
	if frame.Text() != "post-reconnect frame" {
		t.Fatalf("unexpected frame after reconnect: %s", frame.Text())
	}
}

func TestCloseFailsPendingsAndEndsStreams(t *testing.T) {
	r := NewRouter(Config{})

	sub := r.Subscribe(validator.None(), SubscribeOptions{})
	awaitErr := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), validator.Contains("never"), time.Second)
		awaitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	r.Close(nil)

	if err := <-awaitErr; !errs.IsClosed(err) {
		t.Fatalf("pending should fail closed, got %v", err)
	}
	if _, err := sub.RecvTimeout(time.Second); errs.CodeOf(err) != errs.CodeStreamExhausted {
		t.Fatalf("subscription stream should end on close, got %v", err)
	}

	if _, err := r.Await(context.Background(), validator.None(), time.Second); !errs.IsClosed(err) {
		t.Fatalf("await after close must fail immediately, got %v", err)
	}
}
