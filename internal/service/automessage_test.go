package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sudooom.dm/internal/queue"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/proto"
	"sudooom.dm/pkg/snowflake"
)

func newTestAutoMessageService(t *testing.T) (*AutoMessageService, *fakeAutoMessageStore, *fakeMessageStore, *fakeBroadcaster) {
	t.Helper()
	sf, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	amStore := newFakeAutoMessageStore()
	msgStore := newFakeMessageStore()
	broadcaster := &fakeBroadcaster{}
	convs := NewConversationService(newFakeConversationStore(), sf)
	svc := NewAutoMessageService(amStore, msgStore, convs, broadcaster, sf)
	return svc, amStore, msgStore, broadcaster
}

func TestScheduleValidation(t *testing.T) {
	svc, _, _, _ := newTestAutoMessageService(t)
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name    string
		from    int64
		to      int64
		content string
		date    time.Time
	}{
		{"self", 100, 100, "hi", now},
		{"empty content", 100, 200, "", now},
		{"zero date", 100, 200, "hi", time.Time{}},
		{"bad receiver", 100, 0, "hi", now},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Schedule(ctx, tc.from, tc.to, tc.content, tc.date); !errors.Is(err, apperrors.ErrInvalidParams) {
				t.Errorf("error = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestHandleSendJobDeliversOnce(t *testing.T) {
	svc, amStore, msgStore, broadcaster := newTestAutoMessageService(t)
	ctx := context.Background()

	sendDate := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	am, err := svc.Schedule(ctx, 100, 200, "scheduled hello", sendDate)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	job := queue.SendJob{AutoMessageID: am.ID}
	if err := svc.HandleSendJob(ctx, job); err != nil {
		t.Fatalf("HandleSendJob failed: %v", err)
	}

	// broker 重投同一任务，不得产生第二条消息
	if err := svc.HandleSendJob(ctx, job); err != nil {
		t.Fatalf("redelivered HandleSendJob failed: %v", err)
	}

	n, _ := msgStore.CountByConversation(ctx, anyConversationID(t, msgStore))
	if n != 1 {
		t.Errorf("messages = %d, want exactly 1", n)
	}

	stored, err := amStore.FindByID(ctx, am.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if !stored.IsSent {
		t.Error("auto message not marked sent")
	}

	if got := len(broadcaster.events(proto.EventMessageReceived)); got != 1 {
		t.Errorf("message_received broadcasts = %d, want 1", got)
	}
}

func TestHandleSendJobPinsCreatedAt(t *testing.T) {
	svc, _, msgStore, _ := newTestAutoMessageService(t)
	ctx := context.Background()

	sendDate := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	am, err := svc.Schedule(ctx, 100, 200, "backdated", sendDate)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if err := svc.HandleSendJob(ctx, queue.SendJob{AutoMessageID: am.ID}); err != nil {
		t.Fatalf("HandleSendJob failed: %v", err)
	}

	msgStore.mu.Lock()
	defer msgStore.mu.Unlock()
	if len(msgStore.order) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgStore.order))
	}
	msg := msgStore.byID[msgStore.order[0]]
	if !msg.CreatedAt.Equal(sendDate) {
		t.Errorf("CreatedAt = %v, want send date %v", msg.CreatedAt, sendDate)
	}
}

func TestHandleSendJobMissingRecordAcked(t *testing.T) {
	svc, _, msgStore, _ := newTestAutoMessageService(t)

	// 不存在的记录：返回 nil 让队列 ack，重投无意义
	if err := svc.HandleSendJob(context.Background(), queue.SendJob{AutoMessageID: 424242}); err != nil {
		t.Errorf("missing record should be discarded, got %v", err)
	}
	if len(msgStore.order) != 0 {
		t.Error("no message should be created for a missing record")
	}
}

func TestHandleSendJobRecoversUnmarkedInsert(t *testing.T) {
	svc, amStore, msgStore, broadcaster := newTestAutoMessageService(t)
	ctx := context.Background()

	sendDate := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	am, err := svc.Schedule(ctx, 100, 200, "crashed mid-flight", sendDate)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if err := svc.HandleSendJob(ctx, queue.SendJob{AutoMessageID: am.ID}); err != nil {
		t.Fatalf("HandleSendJob failed: %v", err)
	}

	// 模拟「落库成功但标记前崩溃」：回滚 is_sent 后重投
	amStore.mu.Lock()
	amStore.byID[am.ID].IsSent = false
	amStore.mu.Unlock()
	broadcaster.mu.Lock()
	broadcaster.calls = nil
	broadcaster.mu.Unlock()

	if err := svc.HandleSendJob(ctx, queue.SendJob{AutoMessageID: am.ID}); err != nil {
		t.Fatalf("recovery HandleSendJob failed: %v", err)
	}

	if len(msgStore.order) != 1 {
		t.Errorf("messages = %d, want 1 after recovery", len(msgStore.order))
	}
	stored, _ := amStore.FindByID(ctx, am.ID)
	if !stored.IsSent {
		t.Error("recovery path must mark the record sent")
	}
	if len(broadcaster.calls) != 0 {
		t.Error("duplicate guard path must not rebroadcast")
	}
}

func TestShuffleRunPairsUsers(t *testing.T) {
	svc, amStore, _, _ := newTestAutoMessageService(t)

	users := &staticUserLister{ids: []int64{1, 2, 3, 4, 5}}
	shuffle := NewShuffleService(users, svc)

	created, err := shuffle.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 5 个用户配出 2 对，落单者跳过
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}

	amStore.mu.Lock()
	defer amStore.mu.Unlock()
	if len(amStore.byID) != 2 {
		t.Fatalf("scheduled records = %d, want 2", len(amStore.byID))
	}
	seen := make(map[int64]bool)
	for _, am := range amStore.byID {
		if am.From == am.To {
			t.Error("user paired with itself")
		}
		if seen[am.From] || seen[am.To] {
			t.Error("user appears in more than one pair")
		}
		seen[am.From], seen[am.To] = true, true
		if am.Content == "" {
			t.Error("pair scheduled with empty greeting")
		}
	}
}

func TestShuffleRunTooFewUsers(t *testing.T) {
	svc, amStore, _, _ := newTestAutoMessageService(t)

	shuffle := NewShuffleService(&staticUserLister{ids: []int64{1}}, svc)
	created, err := shuffle.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if created != 0 || len(amStore.byID) != 0 {
		t.Error("single user must not be paired")
	}
}

type staticUserLister struct {
	ids []int64
}

func (l *staticUserLister) ListIDs(ctx context.Context) ([]int64, error) {
	out := make([]int64, len(l.ids))
	copy(out, l.ids)
	return out, nil
}

func anyConversationID(t *testing.T, s *fakeMessageStore) int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		t.Fatal("no messages stored")
	}
	return s.byID[s.order[0]].ConversationID
}
