package service

import (
	"context"
	"sync"
	"time"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/repository"
	"sudooom.dm/pkg/proto"
)

// 内存版存储实现，语义对齐 repository 层：哨兵错误、幂等更新、时间戳保留

type fakeConversationStore struct {
	mu    sync.Mutex
	byID  map[int64]*model.Conversation
	items []*model.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{byID: make(map[int64]*model.Conversation)}
}

func (s *fakeConversationStore) FindByPair(ctx context.Context, low, high int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.UserLow == low && c.UserHigh == high {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrConversationNotFound
}

func (s *fakeConversationStore) Insert(ctx context.Context, conv *model.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.UserLow == conv.UserLow && c.UserHigh == conv.UserHigh {
			return false, nil
		}
	}
	cp := *conv
	s.items = append(s.items, &cp)
	s.byID[cp.ID] = &cp
	return true, nil
}

func (s *fakeConversationStore) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeConversationStore) ListByUser(ctx context.Context, userID int64) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.items {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeMessageStore struct {
	mu    sync.Mutex
	byID  map[int64]*model.Message
	order []int64
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byID: make(map[int64]*model.Message)}
}

func (s *fakeMessageStore) Insert(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	return nil
}

func (s *fakeMessageStore) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMessageStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	m.Delivered = true
	if m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMessageStore) MarkSeen(ctx context.Context, id int64, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	m.Delivered = true
	if m.DeliveredAt == nil {
		t := at
		m.DeliveredAt = &t
	}
	m.Seen = true
	if m.SeenAt == nil {
		t := at
		m.SeenAt = &t
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMessageStore) History(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.Message
	for _, id := range s.order {
		m := s.byID[id]
		if m.ConversationID == conversationID {
			all = append(all, *m)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *fakeMessageStore) CountByConversation(ctx context.Context, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.byID {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (s *fakeMessageStore) ExistsDuplicate(ctx context.Context, conversationID, sender, receiver int64, content string, createdAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.ConversationID == conversationID && m.Sender == sender &&
			m.Receiver == receiver && m.Content == content && m.CreatedAt.Equal(createdAt) {
			return true, nil
		}
	}
	return false, nil
}

type broadcastCall struct {
	conversationID int64
	excludeUserID  int64
	event          *proto.Envelope
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, conversationID int64, event *proto.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{conversationID: conversationID, event: event})
	return nil
}

func (b *fakeBroadcaster) BroadcastExcept(ctx context.Context, conversationID, excludeUserID int64, event *proto.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{conversationID: conversationID, excludeUserID: excludeUserID, event: event})
	return nil
}

func (b *fakeBroadcaster) events(name string) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastCall
	for _, c := range b.calls {
		if c.event.Event == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeAutoMessageStore struct {
	mu        sync.Mutex
	byID      map[int64]*model.AutoMessage
	claimedAt map[int64]time.Time
}

func newFakeAutoMessageStore() *fakeAutoMessageStore {
	return &fakeAutoMessageStore{
		byID:      make(map[int64]*model.AutoMessage),
		claimedAt: make(map[int64]time.Time),
	}
}

func (s *fakeAutoMessageStore) Insert(ctx context.Context, am *model.AutoMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *am
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.byID[cp.ID] = &cp
	return nil
}

func (s *fakeAutoMessageStore) FindByID(ctx context.Context, id int64) (*model.AutoMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	am, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrAutoMessageNotFound
	}
	cp := *am
	return &cp, nil
}

func (s *fakeAutoMessageStore) FindDueUnqueued(ctx context.Context, now time.Time) ([]model.AutoMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AutoMessage
	for _, am := range s.byID {
		if !am.IsQueued && !am.Processing && !am.SendDate.After(now) {
			out = append(out, *am)
		}
	}
	return out, nil
}

func (s *fakeAutoMessageStore) ClaimNext(ctx context.Context, now time.Time) (*model.AutoMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, am := range s.byID {
		if am.IsQueued || am.SendDate.After(now) {
			continue
		}
		if am.Processing && s.claimedAt[am.ID].After(now.Add(-repository.ClaimTimeout)) {
			continue
		}
		am.Processing = true
		s.claimedAt[am.ID] = now
		cp := *am
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeAutoMessageStore) MarkQueued(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.IsQueued = true
		am.Processing = false
		delete(s.claimedAt, id)
	}
	return nil
}

func (s *fakeAutoMessageStore) ReleaseClaim(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.Processing = false
		delete(s.claimedAt, id)
	}
	return nil
}

func (s *fakeAutoMessageStore) MarkSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.IsSent = true
	}
	return nil
}
