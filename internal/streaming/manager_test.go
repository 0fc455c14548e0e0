package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversInOrder(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 8)
	defer m.Unsubscribe("s1", ch)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: id, State: StatePending}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i, want := range []string{"a", "b", "c"} {
		ev := <-ch
		if ev.ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, ev.ID)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("position %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func TestPublishBlocksOnFullSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	ctx := context.Background()
	if err := m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "a", State: StatePending}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Buffer is full; the next publish must wait for the consumer
	// instead of dropping the event.
	published := make(chan error, 1)
	go func() {
		published <- m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "b", State: StatePending})
	}()

	select {
	case err := <-published:
		t.Fatalf("publish returned before consumer drained: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if ev := <-ch; ev.ID != "a" {
		t.Fatalf("expected a, got %s", ev.ID)
	}
	if err := <-published; err != nil {
		t.Fatalf("blocked publish failed: %v", err)
	}
	if ev := <-ch; ev.ID != "b" {
		t.Fatalf("expected b, got %s", ev.ID)
	}
}

func TestPublishUnblocksOnContextCancel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 0)
	defer m.Unsubscribe("s1", ch)

	ctx, cancel := context.WithCancel(context.Background())
	published := make(chan error, 1)
	go func() {
		published <- m.Publish(ctx, "s1", Event{Type: EventAnswer, ID: "answer", State: StateDone})
	}()

	cancel()
	if err := <-published; err == nil {
		t.Fatal("expected context error from blocked publish")
	}
}

func TestSlowSubscriberSeesCompleteLog(t *testing.T) {
	m := NewManager(64)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		for i := 0; i < n; i++ {
			_ = m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "sq", State: StateInProgress})
		}
	}()

	got := 0
	for ev := range ch {
		time.Sleep(time.Millisecond)
		got++
		if ev.Seq != uint64(got) {
			t.Fatalf("expected seq %d, got %d", got, ev.Seq)
		}
		if got == n {
			break
		}
	}
	wg.Wait()
}

func TestReplaySince(t *testing.T) {
	m := NewManager(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "sq", State: StatePending})
	}

	events := m.ReplaySince("s1", 2)
	if len(events) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(3+i) {
			t.Fatalf("position %d: expected seq %d, got %d", i, 3+i, ev.Seq)
		}
	}

	if got := m.ReplaySince("unknown", 0); got != nil {
		t.Fatalf("expected nil for unknown session, got %v", got)
	}
}

func TestReplayRingEviction(t *testing.T) {
	m := NewManager(4)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "sq", State: StatePending})
	}

	events := m.ReplaySince("s1", 0)
	if len(events) != 4 {
		t.Fatalf("expected ring capacity 4, got %d", len(events))
	}
	if events[0].Seq != 7 || events[3].Seq != 10 {
		t.Fatalf("expected seqs 7..10, got %d..%d", events[0].Seq, events[3].Seq)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 4)
	m.Unsubscribe("s1", ch)

	if err := m.Publish(context.Background(), "s1", Event{Type: EventAnswer, ID: "answer", State: StateDone}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	default:
	}

	// Double unsubscribe is a no-op.
	m.Unsubscribe("s1", ch)
}

func TestFoldEvents(t *testing.T) {
	events := []Event{
		{Type: EventRetrieve, ID: "sq1", State: StatePending, Seq: 1},
		{Type: EventRetrieve, ID: "sq2", State: StatePending, Seq: 2},
		{Type: EventRetrieve, ID: "sq1", State: StateInProgress, Seq: 3},
		{Type: EventRetrieve, ID: "sq1", State: StateDone, Result: 5, Seq: 4},
		{Type: EventAnalyze, ID: "analyze-1", State: StateDone, Seq: 5},
	}
	views, err := FoldEvents(events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(views))
	}
	if views["sq1"].State != StateDone || views["sq1"].LastSeq != 4 {
		t.Fatalf("sq1 folded wrong: %+v", views["sq1"])
	}
	if views["sq2"].State != StatePending {
		t.Fatalf("sq2 folded wrong: %+v", views["sq2"])
	}
}

func TestFoldEventsRejectsUnknownTags(t *testing.T) {
	if _, err := FoldEvents([]Event{{Type: "mystery", ID: "x", State: StateDone}}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if _, err := FoldEvents([]Event{{Type: EventAnswer, ID: "x", State: "limbo"}}); err == nil {
		t.Fatal("expected error for unknown event state")
	}
}

func TestTerminalEventReclaimsHistory(t *testing.T) {
	m := NewManager(8)
	m.SetRetention(0)

	ctx := context.Background()
	_ = m.Publish(ctx, "s1", Event{Type: EventRetrieve, ID: "sq1", State: StateDone})
	if got := m.ReplaySince("s1", 0); len(got) != 1 {
		t.Fatalf("expected 1 replayable event before terminal, got %d", len(got))
	}

	_ = m.Publish(ctx, "s1", Event{Type: EventAnswer, ID: "answer", State: StateDone})
	if got := m.ReplaySince("s1", 0); got != nil {
		t.Fatalf("expected history reclaimed immediately at zero retention, got %d events", len(got))
	}
}

func TestTerminalHistoryStaysReplayableWithinRetention(t *testing.T) {
	m := NewManager(8)
	m.SetRetention(20 * time.Millisecond)

	ctx := context.Background()
	_ = m.Publish(ctx, "s2", Event{Type: EventAnswer, ID: "answer", State: StateDone})

	// Replayable during the grace window.
	if got := m.ReplaySince("s2", 0); len(got) != 1 {
		t.Fatalf("expected the terminal event replayable within retention, got %d", len(got))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ReplaySince("s2", 0) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("history not reclaimed after retention elapsed")
}
