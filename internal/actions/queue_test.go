package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/rollup"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

// fakeExecutor records dispatched actions and fails according to fail.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []model.PendingAction
	fail  func(a model.PendingAction, attempt int) error
	block chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, a model.PendingAction) error {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	attempt := 0
	for _, c := range f.calls {
		if c.ID == a.ID {
			attempt++
		}
	}
	fail := f.fail
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail(a, attempt)
	}
	return nil
}

func (f *fakeExecutor) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.ID
	}
	return ids
}

type fixture struct {
	store *store.SQLiteStore
	queue *Queue
	exec  *fakeExecutor
	conv  *model.Conversation
	clock time.Time
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	exec := &fakeExecutor{}
	q := NewQueue(s, exec, rollup.NewUpdater([]string{"me@example.com"}), Config{
		MaxRetries:  maxRetries,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}, testutil.NewLogger(t))

	f := &fixture{store: s, queue: q, exec: exec, clock: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	q.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	q.sleep = func(context.Context, time.Duration) error { return nil }

	f.conv = &model.Conversation{
		KeyHash:      "k",
		Type:         model.ConversationOneToOne,
		Participants: []string{"alice@example.com"},
	}
	err := s.Update(context.Background(), func(tx *store.Tx) error {
		if err := tx.InsertConversation(f.conv); err != nil {
			return err
		}
		_, err := tx.InsertMessages([]model.Message{
			{ID: "m1", ConversationID: f.conv.ID, InternalDate: f.clock, SenderEmail: "alice@example.com",
				Labels: []string{model.LabelInbox, model.LabelUnread}},
			{ID: "m2", ConversationID: f.conv.ID, InternalDate: f.clock.Add(time.Minute), SenderEmail: "alice@example.com",
				Labels: []string{model.LabelInbox, model.LabelUnread}},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return f
}

func (f *fixture) enqueue(t *testing.T, at model.ActionType, target model.ActionTarget) *model.PendingAction {
	t.Helper()
	a, err := f.queue.Enqueue(context.Background(), at, target, nil)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", at, err)
	}
	return a
}

func (f *fixture) action(t *testing.T, id string) *model.PendingAction {
	t.Helper()
	var a *model.PendingAction
	err := f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		a, err = tx.ActionByID(id)
		return err
	})
	if err != nil {
		t.Fatalf("ActionByID: %v", err)
	}
	return a
}

func (f *fixture) message(t *testing.T, id string) *model.Message {
	t.Helper()
	var m *model.Message
	err := f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		m, err = tx.MessageByID(id)
		return err
	})
	if err != nil {
		t.Fatalf("MessageByID: %v", err)
	}
	return m
}

func TestEnqueue_AppliesLocalChange(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	a := f.enqueue(t, model.ActionMarkRead, model.ActionTarget{MessageID: "m1"})

	m := f.message(t, "m1")
	if m.IsUnread() || !m.LocallyModified {
		t.Errorf("m1 after mark read: labels=%v locallyModified=%v", m.Labels, m.LocallyModified)
	}
	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.InboxUnreadCount != 1 {
		t.Errorf("InboxUnreadCount = %d, want 1", conv.InboxUnreadCount)
	}

	pending, err := f.queue.HasPending(ctx, a.Target, model.ActionMarkRead)
	if err != nil || !pending {
		t.Errorf("HasPending = %v, %v", pending, err)
	}

	res, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Completed != 1 {
		t.Errorf("Completed = %d, want 1", res.Completed)
	}
	if f.message(t, "m1").LocallyModified {
		t.Error("locally modified flag not cleared after completion")
	}
	if got := f.action(t, a.ID).Status; got != model.ActionCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestEnqueue_ConversationArchive(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.enqueue(t, model.ActionArchive, model.ActionTarget{ConversationID: f.conv.ID})

	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.HasInbox || conv.ArchivedAt == nil || !conv.Hidden {
		t.Errorf("conversation not archived locally: %+v", conv)
	}
	for _, id := range []string{"m1", "m2"} {
		if f.message(t, id).HasLabel(model.LabelInbox) {
			t.Errorf("%s still in inbox", id)
		}
	}
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.queue.Enqueue(context.Background(), "explode", model.ActionTarget{MessageID: "m1"}, nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}

func TestDrain_FIFO(t *testing.T) {
	f := newFixture(t, 3)

	var want []string
	for _, at := range []model.ActionType{model.ActionStar, model.ActionMarkRead, model.ActionUnstar, model.ActionArchive} {
		want = append(want, f.enqueue(t, at, model.ActionTarget{MessageID: "m2"}).ID)
	}

	if _, err := f.queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got := f.exec.callIDs()
	if len(got) != len(want) {
		t.Fatalf("dispatched %d actions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDrain_RetriesThenAbandons(t *testing.T) {
	f := newFixture(t, 3)
	f.exec.fail = func(model.PendingAction, int) error {
		return &remote.Error{Kind: remote.KindServer, Code: 503, Op: "modify labels"}
	}

	var delays []time.Duration
	f.queue.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	a := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})
	res, err := f.queue.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Retried != 2 || res.Abandoned != 1 {
		t.Errorf("result = %+v, want 2 retried and 1 abandoned", res)
	}

	got := f.action(t, a.ID)
	if got.Status != model.ActionAbandoned || got.RetryCount != 3 {
		t.Errorf("action = %s retry %d, want abandoned at 3", got.Status, got.RetryCount)
	}
	if len(f.exec.callIDs()) != 3 {
		t.Errorf("executor called %d times, want 3", len(f.exec.callIDs()))
	}
	wantDelays := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(wantDelays) || delays[0] != wantDelays[0] || delays[1] != wantDelays[1] {
		t.Errorf("backoff delays = %v, want %v", delays, wantDelays)
	}

	notes, err := f.store.UnreadNotifications(context.Background())
	if err != nil {
		t.Fatalf("UnreadNotifications: %v", err)
	}
	if len(notes) != 1 || notes[0].ActionID != a.ID {
		t.Errorf("notifications = %+v", notes)
	}
	// The local change stays protected until the user decides.
	if !f.message(t, "m1").LocallyModified {
		t.Error("abandoned action released its message")
	}
}

func TestDrain_TerminalFailureFailsFast(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantErr  bool
		wantNext bool
	}{
		{"auth stops the pass", &remote.Error{Kind: remote.KindAuth, Code: 401}, true, false},
		{"malformed continues", &remote.Error{Kind: remote.KindMalformed, Code: 400}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			first := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})
			second := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m2"})
			f.exec.fail = func(a model.PendingAction, _ int) error {
				if a.ID == first.ID {
					return tt.err
				}
				return nil
			}

			_, err := f.queue.Drain(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Drain err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !remote.IsAuthError(err) {
				t.Errorf("Drain err = %v, want auth error", err)
			}

			got := f.action(t, first.ID)
			if got.Status != model.ActionAbandoned || got.RetryCount != 1 {
				t.Errorf("first = %s retry %d, want abandoned after one attempt", got.Status, got.RetryCount)
			}
			completed := f.action(t, second.ID).Status == model.ActionCompleted
			if completed != tt.wantNext {
				t.Errorf("second completed = %v, want %v", completed, tt.wantNext)
			}
		})
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	target := model.ActionTarget{MessageID: "m1"}

	f.enqueue(t, model.ActionStar, target)
	n, err := f.queue.Cancel(ctx, target, model.ActionStar)
	if err != nil || n != 1 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}
	if f.message(t, "m1").LocallyModified {
		t.Error("cancelled action left its message protected")
	}

	// A dispatched action cannot be cancelled.
	f.exec.block = make(chan struct{})
	a := f.enqueue(t, model.ActionStar, target)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.queue.Drain(ctx)
	}()
	waitFor(t, func() bool { return len(f.exec.callIDs()) == 1 })

	n, err = f.queue.Cancel(ctx, target, model.ActionStar)
	if err != nil || n != 0 {
		t.Errorf("Cancel during processing = %d, %v, want 0", n, err)
	}
	close(f.exec.block)
	<-done
	if got := f.action(t, a.ID).Status; got != model.ActionCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestCancel_OverlappingTargetsKeepProtection(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	msgTarget := model.ActionTarget{MessageID: "m1"}
	convTarget := model.ActionTarget{ConversationID: f.conv.ID}

	f.enqueue(t, model.ActionMarkRead, msgTarget)
	f.enqueue(t, model.ActionArchive, convTarget)

	if _, err := f.queue.Cancel(ctx, msgTarget, model.ActionMarkRead); err != nil {
		t.Fatalf("Cancel(markRead): %v", err)
	}
	if pending, _ := f.queue.HasPending(ctx, convTarget, model.ActionArchive); !pending {
		t.Fatal("archive no longer pending")
	}
	if !f.message(t, "m1").LocallyModified {
		t.Error("m1 lost protection while the conversation archive is queued")
	}

	// The other direction: a message action outlives the conversation one.
	f.enqueue(t, model.ActionStar, msgTarget)
	if _, err := f.queue.Cancel(ctx, convTarget, model.ActionArchive); err != nil {
		t.Fatalf("Cancel(archive): %v", err)
	}
	if !f.message(t, "m1").LocallyModified {
		t.Error("m1 lost protection while its star is queued")
	}
	if f.message(t, "m2").LocallyModified {
		t.Error("m2 still protected with nothing queued")
	}
}

func TestDrain_ConcurrentCallsCollapse(t *testing.T) {
	f := newFixture(t, 3)
	f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})
	f.enqueue(t, model.ActionMarkRead, model.ActionTarget{MessageID: "m2"})
	f.exec.block = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]DrainResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.queue.Drain(context.Background())
		}(i)
	}
	waitFor(t, func() bool { return len(f.exec.callIDs()) == 1 })
	time.Sleep(10 * time.Millisecond)
	close(f.exec.block)
	wg.Wait()

	if n := len(f.exec.callIDs()); n != 2 {
		t.Errorf("executor called %d times, want 2", n)
	}
	for i, r := range results {
		if r.Completed != 2 {
			t.Errorf("caller %d saw %+v, want shared result", i, r)
		}
	}
}

func TestDrain_InterruptDuringBackoff(t *testing.T) {
	f := newFixture(t, 5)
	f.queue.sleep = sleepContext
	f.queue.cfg.BackoffBase = time.Hour
	f.queue.cfg.BackoffCap = time.Hour
	f.exec.fail = func(model.PendingAction, int) error {
		return &remote.Error{Kind: remote.KindTimeout}
	}

	a := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.queue.Drain(context.Background())
		errCh <- err
	}()
	waitFor(t, func() bool { return f.action(t, a.ID).Status == model.ActionFailed })

	f.queue.Interrupt()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Drain err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted")
	}

	got := f.action(t, a.ID)
	if got.Status != model.ActionFailed || got.RetryCount != 1 {
		t.Errorf("action = %s retry %d, want failed at 1", got.Status, got.RetryCount)
	}
}

func TestAbandonedRemediation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.exec.fail = func(model.PendingAction, int) error { return &remote.Error{Kind: remote.KindServer} }

	a := f.enqueue(t, model.ActionMarkRead, model.ActionTarget{MessageID: "m1"})
	b := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m2"})
	if _, err := f.queue.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	abandoned, err := f.queue.Abandoned(ctx)
	if err != nil || len(abandoned) != 2 {
		t.Fatalf("Abandoned = %d, %v", len(abandoned), err)
	}

	if err := f.queue.Retry(ctx, a.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got := f.action(t, a.ID)
	if got.Status != model.ActionPending || got.RetryCount != 0 {
		t.Errorf("retried = %s retry %d", got.Status, got.RetryCount)
	}
	if err := f.queue.Retry(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("retrying a non-abandoned action err = %v, want ErrNotFound", err)
	}

	if err := f.queue.Dismiss(ctx, b.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if f.message(t, "m2").LocallyModified {
		t.Error("dismissed action left its message protected")
	}

	n, err := f.queue.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v, want 1", n, err)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})

	err := f.store.Update(ctx, func(tx *store.Tx) error {
		a.Status = model.ActionProcessing
		return tx.UpdateAction(*a)
	})
	if err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}

	n, err := f.queue.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if got := f.action(t, a.ID).Status; got != model.ActionPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, time.Minute},
		{200, time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, time.Minute, tt.retry); got != tt.want {
			t.Errorf("Backoff(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	if got := Backoff(0, time.Minute, 3); got != 0 {
		t.Errorf("zero base = %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
