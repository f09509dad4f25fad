package actions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
	"github.com/nhle/mailcache/internal/store"
	"github.com/nhle/mailcache/tests/testutil"
)

type modifyCall struct {
	ids    []string
	add    []string
	remove []string
}

type fakeModifier struct {
	single []modifyCall
	batch  []modifyCall
	err    error
}

func (f *fakeModifier) ModifyLabels(_ context.Context, id string, add, remove []string) error {
	f.single = append(f.single, modifyCall{ids: []string{id}, add: add, remove: remove})
	return f.err
}

func (f *fakeModifier) BatchModifyLabels(_ context.Context, ids []string, add, remove []string) error {
	f.batch = append(f.batch, modifyCall{ids: slices.Clone(ids), add: add, remove: remove})
	return f.err
}

func seedConversation(t *testing.T, s *store.SQLiteStore, messages int) string {
	t.Helper()
	conv := &model.Conversation{KeyHash: fmt.Sprintf("k%d", messages), Type: model.ConversationOneToOne}
	err := s.Update(context.Background(), func(tx *store.Tx) error {
		if err := tx.InsertConversation(conv); err != nil {
			return err
		}
		msgs := make([]model.Message, messages)
		for i := range msgs {
			msgs[i] = model.Message{ID: fmt.Sprintf("msg-%04d", i), ConversationID: conv.ID}
		}
		_, err := tx.InsertMessages(msgs)
		return err
	})
	if err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}
	return conv.ID
}

func TestLabelExecutor_MessageTarget(t *testing.T) {
	s := testutil.NewTestStore(t)
	mod := &fakeModifier{}
	exec := NewLabelExecutor(mod, s)

	err := exec.Execute(context.Background(), model.PendingAction{
		ActionType: model.ActionTrash,
		Target:     model.ActionTarget{MessageID: "abc"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mod.single) != 1 || len(mod.batch) != 0 {
		t.Fatalf("calls: single=%d batch=%d", len(mod.single), len(mod.batch))
	}
	call := mod.single[0]
	if call.ids[0] != "abc" || !slices.Equal(call.add, []string{model.LabelTrash}) ||
		!slices.Equal(call.remove, []string{model.LabelInbox}) {
		t.Errorf("call = %+v", call)
	}
}

func TestLabelExecutor_ConversationTarget(t *testing.T) {
	tests := []struct {
		name        string
		messages    int
		wantSingle  int
		wantBatches []int
	}{
		{"empty conversation", 0, 0, nil},
		{"single message", 1, 1, nil},
		{"small batch", 3, 0, []int{3}},
		{"split batches", 2500, 0, []int{1000, 1000, 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewTestStore(t)
			convID := seedConversation(t, s, tt.messages)
			mod := &fakeModifier{}

			err := NewLabelExecutor(mod, s).Execute(context.Background(), model.PendingAction{
				ActionType: model.ActionArchive,
				Target:     model.ActionTarget{ConversationID: convID},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if len(mod.single) != tt.wantSingle {
				t.Errorf("single calls = %d, want %d", len(mod.single), tt.wantSingle)
			}
			var sizes []int
			for _, b := range mod.batch {
				sizes = append(sizes, len(b.ids))
			}
			if !slices.Equal(sizes, tt.wantBatches) {
				t.Errorf("batch sizes = %v, want %v", sizes, tt.wantBatches)
			}
		})
	}
}

func TestLabelExecutor_UnknownTypeIsTerminal(t *testing.T) {
	exec := NewLabelExecutor(&fakeModifier{}, testutil.NewTestStore(t))
	err := exec.Execute(context.Background(), model.PendingAction{
		ActionType: "snooze",
		Target:     model.ActionTarget{MessageID: "abc"},
	})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
	if remote.IsRetryable(err) {
		t.Error("unknown action type reported as retryable")
	}
}

// An action that always fails transiently is attempted exactly MaxRetries
// times, its retry count only grows, and it ends abandoned.
func TestDrain_RetryCountMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)
	properties.Property("abandoned after exactly MaxRetries attempts", prop.ForAll(
		func(maxRetries int) bool {
			f := newFixture(t, maxRetries)

			var seen []int
			f.exec.fail = func(a model.PendingAction, _ int) error {
				seen = append(seen, a.RetryCount)
				return &remote.Error{Kind: remote.KindRateLimited, Code: 429}
			}

			a := f.enqueue(t, model.ActionStar, model.ActionTarget{MessageID: "m1"})
			res, err := f.queue.Drain(context.Background())
			if err != nil || res.Abandoned != 1 || res.Retried != maxRetries-1 {
				return false
			}
			if len(seen) != maxRetries {
				return false
			}
			for i, rc := range seen {
				if rc != i {
					return false
				}
			}
			got := f.action(t, a.ID)
			return got.Status == model.ActionAbandoned && got.RetryCount == maxRetries
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
