package clarify

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// waitPending polls until the broker has n pending questions or the deadline
// passes.
func waitPending(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.PendingCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (have %d)", n, b.PendingCount())
}

func TestAsk_Answered(t *testing.T) {
	b := New(3, 5*time.Second)

	type result struct {
		response string
		ok       bool
	}
	got := make(chan result, 1)

	go func() {
		resp, ok := b.Ask("Which speaker is S2?", 5, "item_1", map[string]any{"chunk": 4})
		got <- result{resp, ok}
	}()

	waitPending(t, b, 1)

	pending := b.Pending()
	if len(pending) != 1 || pending[0].ItemID != "item_1" {
		t.Fatalf("Pending = %+v, want item_1", pending)
	}
	if pending[0].Question != "Which speaker is S2?" || pending[0].Priority != 5 {
		t.Errorf("pending entry = %+v", pending[0])
	}

	if !b.SubmitResponse("item_1", "Alice") {
		t.Fatal("SubmitResponse returned false for pending item")
	}

	r := <-got
	if !r.ok || r.response != "Alice" {
		t.Errorf("Ask returned (%q, %v), want (Alice, true)", r.response, r.ok)
	}
	if b.PendingCount() != 0 {
		t.Error("item still pending after answered Ask returned")
	}
}

func TestAsk_Timeout(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	start := time.Now()
	resp, ok := b.Ask("No one will answer", 1, "item_t", nil)
	elapsed := time.Since(start)

	if ok || resp != "" {
		t.Errorf("Ask returned (%q, %v), want empty timeout result", resp, ok)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("Ask returned after %v, before the timeout window", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("Ask blocked %v, far past the timeout", elapsed)
	}
	if b.PendingCount() != 0 {
		t.Error("timed-out request still in registry")
	}

	c := b.Counters()
	if c.TimedOut != 1 {
		t.Errorf("TimedOut counter = %d, want 1", c.TimedOut)
	}
}

func TestAsk_CapacityRejection(t *testing.T) {
	b := New(2, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Ask("blocked question", 1, fmt.Sprintf("item_%d", i), nil)
		}(i)
	}
	waitPending(t, b, 2)

	// The registry is full: one more Ask must fail fast without blocking.
	start := time.Now()
	resp, ok := b.Ask("one too many", 1, "item_over", nil)
	elapsed := time.Since(start)

	if ok || resp != "" {
		t.Errorf("over-capacity Ask returned (%q, %v), want rejection", resp, ok)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("over-capacity Ask blocked for %v", elapsed)
	}
	if b.PendingCount() != 2 {
		t.Errorf("PendingCount = %d, rejected ask must not register", b.PendingCount())
	}
	for _, p := range b.Pending() {
		if p.ItemID == "item_over" {
			t.Error("rejected ask appears in Pending")
		}
	}

	b.SubmitResponse("item_0", "a")
	b.SubmitResponse("item_1", "b")
	wg.Wait()

	c := b.Counters()
	if c.Rejected != 1 {
		t.Errorf("Rejected counter = %d, want 1", c.Rejected)
	}
	if b.PendingCount() != 0 {
		t.Errorf("registry not empty after drain: %d", b.PendingCount())
	}
}

func TestPending_PriorityOrder(t *testing.T) {
	b := New(5, 5*time.Second)

	for _, p := range []struct {
		priority int
		id       string
	}{{5, "item_p5"}, {1, "item_p1"}, {10, "item_p10"}} {
		go func(priority int, id string) {
			b.Ask("q", priority, id, nil)
		}(p.priority, p.id)
	}
	waitPending(t, b, 3)

	pending := b.Pending()
	want := []string{"item_p1", "item_p5", "item_p10"}
	for i, id := range want {
		if pending[i].ItemID != id {
			t.Errorf("Pending[%d] = %s, want %s (priorities must sort ascending)", i, pending[i].ItemID, id)
		}
	}

	for _, id := range want {
		b.SubmitResponse(id, "done")
	}
}

func TestPending_TieBrokenByAskOrder(t *testing.T) {
	b := New(5, 5*time.Second)

	ids := []string{"item_a", "item_b", "item_c"}
	for i, id := range ids {
		go func(id string) {
			b.Ask("q", 3, id, nil)
		}(id)
		waitPending(t, b, i+1)
	}

	pending := b.Pending()
	for i, id := range ids {
		if pending[i].ItemID != id {
			t.Errorf("Pending[%d] = %s, want %s (ties break by ask order)", i, pending[i].ItemID, id)
		}
	}

	for _, id := range ids {
		b.SubmitResponse(id, "done")
	}
}

func TestSubmitResponse_UnknownTarget(t *testing.T) {
	b := New(3, time.Second)

	if b.SubmitResponse("never_asked", "answer") {
		t.Error("SubmitResponse for unknown itemID returned true")
	}
}

func TestSubmitResponse_Duplicate(t *testing.T) {
	b := New(3, 5*time.Second)

	gate := make(chan struct{})
	go func() {
		<-gate
		b.Ask("q", 1, "item_dup", nil)
	}()
	close(gate)
	waitPending(t, b, 1)

	if !b.SubmitResponse("item_dup", "first") {
		t.Fatal("first SubmitResponse failed")
	}
	// Second response races the waking asker; whether the entry is still
	// registered or not, it must be dropped without panic.
	b.SubmitResponse("item_dup", "second")
}

func TestAsk_DuplicateItemIDRejected(t *testing.T) {
	b := New(3, 5*time.Second)

	got := make(chan string, 1)
	go func() {
		resp, _ := b.Ask("original", 1, "item_x", nil)
		got <- resp
	}()
	waitPending(t, b, 1)

	// Second ask under the same id fails fast and leaves the first intact.
	resp, ok := b.Ask("impostor", 1, "item_x", nil)
	if ok || resp != "" {
		t.Errorf("duplicate Ask returned (%q, %v), want rejection", resp, ok)
	}
	if b.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", b.PendingCount())
	}

	b.SubmitResponse("item_x", "the answer")
	if r := <-got; r != "the answer" {
		t.Errorf("first asker got %q, want the answer", r)
	}
}

func TestPending_SnapshotIsDefensive(t *testing.T) {
	b := New(3, 5*time.Second)

	go b.Ask("q", 1, "item_s", map[string]any{"chunk": 1})
	waitPending(t, b, 1)

	snap := b.Pending()
	snap[0].Context["chunk"] = 99
	snap[0].ItemID = "mutated"

	again := b.Pending()
	if again[0].ItemID != "item_s" || again[0].Context["chunk"] != 1 {
		t.Error("Pending snapshot mutation leaked into registry")
	}

	b.SubmitResponse("item_s", "done")
}

func TestBroker_ConcurrentAskAnswer(t *testing.T) {
	b := New(50, 5*time.Second)

	const n = 30
	var wg sync.WaitGroup
	answered := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item_%02d", i)
			resp, ok := b.Ask("q", i%5, id, nil)
			if ok {
				answered <- resp
			}
		}(i)
	}
	waitPending(t, b, n)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item_%02d", i)
		if !b.SubmitResponse(id, "ans_"+id) {
			t.Errorf("SubmitResponse(%s) failed", id)
		}
	}
	wg.Wait()
	close(answered)

	count := 0
	for range answered {
		count++
	}
	if count != n {
		t.Errorf("answered %d of %d asks", count, n)
	}
	if b.PendingCount() != 0 {
		t.Errorf("registry not empty after drain: %d", b.PendingCount())
	}

	c := b.Counters()
	if c.Asked != n || c.Answered != n {
		t.Errorf("counters = %+v, want asked=answered=%d", c, n)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.MaxPending() != 1 {
		t.Errorf("MaxPending = %d, want clamped to 1", b.MaxPending())
	}
	if b.Timeout() != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", b.Timeout(), DefaultTimeout)
	}
}
