package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sudooom.dm/internal/model"
	"sudooom.dm/internal/queue"
	"sudooom.dm/internal/repository"
)

type memAutoMessageStore struct {
	mu        sync.Mutex
	byID      map[int64]*model.AutoMessage
	claimedAt map[int64]time.Time
}

func newMemStore(records ...*model.AutoMessage) *memAutoMessageStore {
	s := &memAutoMessageStore{
		byID:      make(map[int64]*model.AutoMessage),
		claimedAt: make(map[int64]time.Time),
	}
	for _, r := range records {
		cp := *r
		s.byID[cp.ID] = &cp
	}
	return s
}

func (s *memAutoMessageStore) Insert(ctx context.Context, am *model.AutoMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *am
	s.byID[cp.ID] = &cp
	return nil
}

func (s *memAutoMessageStore) FindByID(ctx context.Context, id int64) (*model.AutoMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	am, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrAutoMessageNotFound
	}
	cp := *am
	return &cp, nil
}

func (s *memAutoMessageStore) FindDueUnqueued(ctx context.Context, now time.Time) ([]model.AutoMessage, error) {
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

func (s *memAutoMessageStore) ClaimNext(ctx context.Context, now time.Time) (*model.AutoMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, am := range s.byID {
		if am.IsQueued || am.SendDate.After(now) {
			continue
		}
		// 未超时的认领不可抢占
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

func (s *memAutoMessageStore) MarkQueued(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.IsQueued = true
		am.Processing = false
		delete(s.claimedAt, id)
	}
	return nil
}

func (s *memAutoMessageStore) ReleaseClaim(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.Processing = false
		delete(s.claimedAt, id)
	}
	return nil
}

func (s *memAutoMessageStore) MarkSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if am, ok := s.byID[id]; ok {
		am.IsSent = true
	}
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []queue.SendJob
	fail func(job queue.SendJob) error
}

func (p *recordingPublisher) Publish(ctx context.Context, job queue.SendJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(job); err != nil {
			return err
		}
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) counts() map[int64]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]int)
	for _, j := range p.jobs {
		out[j.AutoMessageID]++
	}
	return out
}

func dueRecord(id int64) *model.AutoMessage {
	return &model.AutoMessage{
		ID:       id,
		From:     100,
		To:       200,
		Content:  "scheduled",
		SendDate: time.Now().Add(-time.Minute),
	}
}

func TestBatchStrategyScan(t *testing.T) {
	store := newMemStore(dueRecord(1), dueRecord(2),
		&model.AutoMessage{ID: 3, From: 1, To: 2, Content: "future", SendDate: time.Now().Add(time.Hour)})
	pub := &recordingPublisher{}

	queued, err := NewBatchStrategy(store, pub).Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 2 {
		t.Errorf("queued = %d, want 2", queued)
	}

	counts := pub.counts()
	if counts[1] != 1 || counts[2] != 1 || counts[3] != 0 {
		t.Errorf("unexpected publish counts: %v", counts)
	}

	for _, id := range []int64{1, 2} {
		am, _ := store.FindByID(context.Background(), id)
		if !am.IsQueued {
			t.Errorf("record %d not marked queued", id)
		}
	}
}

func TestBatchStrategySkipsAlreadyQueued(t *testing.T) {
	rec := dueRecord(1)
	rec.IsQueued = true
	store := newMemStore(rec)
	pub := &recordingPublisher{}

	queued, err := NewBatchStrategy(store, pub).Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 0 || len(pub.jobs) != 0 {
		t.Error("queued record must not be re-enqueued")
	}
}

func TestBatchStrategySkipsClaimedRows(t *testing.T) {
	store := newMemStore(dueRecord(1))
	now := time.Now()

	// 另一个 claim 扫描实例已认领该记录
	if am, _ := store.ClaimNext(context.Background(), now); am == nil {
		t.Fatal("seed claim failed")
	}

	pub := &recordingPublisher{}
	queued, err := NewBatchStrategy(store, pub).Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 0 || len(pub.jobs) != 0 {
		t.Error("claimed record must not be re-enqueued by batch scan")
	}
}

func TestClaimStrategyReclaimsStaleClaim(t *testing.T) {
	store := newMemStore(dueRecord(1))
	now := time.Now()

	// 模拟认领后崩溃的实例：认领成功但既没入队也没释放
	if am, _ := store.ClaimNext(context.Background(), now); am == nil {
		t.Fatal("seed claim failed")
	}

	pub := &recordingPublisher{}
	strategy := NewClaimStrategy(store, pub)

	// 超时之前认领不可抢占
	queued, err := strategy.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 0 {
		t.Errorf("fresh claim reclaimed too early, queued = %d", queued)
	}

	// 超时之后该记录可被重新认领并入队
	later := now.Add(repository.ClaimTimeout + time.Minute)
	queued, err = strategy.Scan(context.Background(), later)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 1 || pub.counts()[1] != 1 {
		t.Errorf("stale claim not reclaimed: queued = %d, counts = %v", queued, pub.counts())
	}

	am, _ := store.FindByID(context.Background(), 1)
	if !am.IsQueued {
		t.Error("reclaimed record not marked queued")
	}
}

func TestClaimStrategyConcurrentScanners(t *testing.T) {
	records := make([]*model.AutoMessage, 0, 50)
	for i := int64(1); i <= 50; i++ {
		records = append(records, dueRecord(i))
	}
	store := newMemStore(records...)
	pub := &recordingPublisher{}

	// 两个实例并发扫描同一批记录
	var wg sync.WaitGroup
	var total1, total2 int
	wg.Add(2)
	go func() {
		defer wg.Done()
		total1, _ = NewClaimStrategy(store, pub).Scan(context.Background(), time.Now())
	}()
	go func() {
		defer wg.Done()
		total2, _ = NewClaimStrategy(store, pub).Scan(context.Background(), time.Now())
	}()
	wg.Wait()

	if total1+total2 != 50 {
		t.Errorf("total queued = %d, want 50", total1+total2)
	}

	counts := pub.counts()
	if len(counts) != 50 {
		t.Fatalf("distinct records published = %d, want 50", len(counts))
	}
	for id, n := range counts {
		if n != 1 {
			t.Errorf("record %d published %d times, want exactly 1", id, n)
		}
	}
}

func TestClaimStrategyReleasesOnPublishFailure(t *testing.T) {
	store := newMemStore(dueRecord(1))
	failErr := errors.New("broker unavailable")

	failing := &recordingPublisher{fail: func(queue.SendJob) error { return failErr }}
	queued, err := NewClaimStrategy(store, failing).Scan(context.Background(), time.Now())
	if !errors.Is(err, failErr) {
		t.Fatalf("error = %v, want publish failure", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}

	// 认领已释放，恢复后的下一轮能重新拿到
	am, _ := store.FindByID(context.Background(), 1)
	if am.Processing || am.IsQueued {
		t.Fatalf("claim not released: %+v", am)
	}

	pub := &recordingPublisher{}
	queued, err = NewClaimStrategy(store, pub).Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("retry Scan failed: %v", err)
	}
	if queued != 1 || len(pub.jobs) != 1 {
		t.Error("released record should be enqueued on the next round")
	}
}

func TestScannerLifecycle(t *testing.T) {
	store := newMemStore(dueRecord(1))
	pub := &recordingPublisher{}

	scanner := NewScanner(NewClaimStrategy(store, pub), time.Hour)
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := scanner.Start(); err == nil {
		t.Error("second Start should fail")
	}

	// 启动时立刻扫一轮
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.counts()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pub.counts()) != 1 {
		t.Error("initial scan round did not run")
	}

	scanner.Stop()
	scanner.Stop() // 重复 Stop 是 no-op
}
