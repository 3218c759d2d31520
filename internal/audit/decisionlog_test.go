package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore копит записи; при gate != nil каждый WriteBatch ждет разрешения.
type memStore struct {
	mu      sync.Mutex
	records []DecisionRecord
	batches int
	err     error

	entered chan struct{}
	gate    chan struct{}
}

func (s *memStore) WriteBatch(_ context.Context, records []DecisionRecord) error {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.batches++
	return s.err
}

func (s *memStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.DecisionID)
	}
	return out
}

func newBlockingStore() *memStore {
	return &memStore{entered: make(chan struct{}, 16), gate: make(chan struct{})}
}

func rec(id string) DecisionRecord {
	return DecisionRecord{DecisionID: id, Package: "envoy.authz", Result: domain.Deny("test")}
}

func TestDecisionLog_DrainsOnStop(t *testing.T) {
	store := &memStore{}
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BufferSize:    100,
		Workers:       2,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	})
	dl.Start()

	for i := range 50 {
		dl.Record(rec(fmt.Sprint(i)))
	}
	dl.Stop()

	assert.Len(t, store.ids(), 50)
	assert.Zero(t, dl.Dropped())
	for _, r := range store.records {
		assert.False(t, r.Timestamp.IsZero())
	}
}

func TestDecisionLog_FlushBySizeAndInterval(t *testing.T) {
	store := &memStore{}
	var flushed []int
	var mu sync.Mutex
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BatchSize:     3,
		FlushInterval: 200 * time.Millisecond,
		OnFlush: func(n int, err error) {
			mu.Lock()
			flushed = append(flushed, n)
			mu.Unlock()
		},
	})
	dl.Start()
	defer dl.Stop()

	for i := range 3 {
		dl.Record(rec(fmt.Sprint(i)))
	}
	dl.Record(rec("by-ticker"))

	require.Eventually(t, func() bool {
		return len(store.ids()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 1}, flushed)
}

func TestDecisionLog_OverflowDropNewest(t *testing.T) {
	store := newBlockingStore()
	var reasons []string
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BufferSize: 2,
		BatchSize:  1,
		OnDrop:     func(reason string) { reasons = append(reasons, reason) },
	})
	dl.Start()

	dl.Record(rec("r0"))
	<-store.entered // воркер занят r0, канал пуст

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		dl.Record(rec(id))
	}
	assert.EqualValues(t, 2, dl.Dropped())
	assert.Equal(t, 2, dl.Pending())
	assert.Equal(t, []string{DropReasonOverflow, DropReasonOverflow}, reasons)

	close(store.gate)
	dl.Stop()

	assert.Equal(t, []string{"r0", "r1", "r2"}, store.ids())
}

func TestDecisionLog_OverflowDropOldest(t *testing.T) {
	store := newBlockingStore()
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BufferSize: 2,
		BatchSize:  1,
		Overflow:   DropOldest,
	})
	dl.Start()

	dl.Record(rec("r0"))
	<-store.entered

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		dl.Record(rec(id))
	}
	assert.EqualValues(t, 2, dl.Dropped())

	close(store.gate)
	dl.Stop()

	assert.Equal(t, []string{"r0", "r3", "r4"}, store.ids())
}

func TestDecisionLog_SendTimeout(t *testing.T) {
	store := newBlockingStore()
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BufferSize:  1,
		BatchSize:   1,
		SendTimeout: 30 * time.Millisecond,
	})
	dl.Start()

	dl.Record(rec("r0"))
	<-store.entered
	dl.Record(rec("r1"))

	start := time.Now()
	dl.Record(rec("r2"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.EqualValues(t, 1, dl.Dropped())

	close(store.gate)
	dl.Stop()
	assert.Equal(t, []string{"r0", "r1"}, store.ids())
}

func TestDecisionLog_RecordAfterStop(t *testing.T) {
	store := &memStore{}
	var reasons []string
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		OnDrop: func(reason string) { reasons = append(reasons, reason) },
	})
	dl.Start()
	dl.Stop()
	dl.Stop() // повторный Stop безопасен

	dl.Record(rec("late"))
	assert.EqualValues(t, 1, dl.Dropped())
	assert.Equal(t, []string{DropReasonStopped}, reasons)
	assert.Empty(t, store.ids())
}

func TestDecisionLog_StoreErrorDoesNotStopWorker(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	var errs int
	var mu sync.Mutex
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{
		BatchSize: 1,
		OnFlush: func(_ int, err error) {
			if err != nil {
				mu.Lock()
				errs++
				mu.Unlock()
			}
		},
	})
	dl.Start()
	dl.Record(rec("a"))
	dl.Record(rec("b"))
	dl.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, errs)
}

func TestDecisionLog_ConcurrentRecordAndStop(t *testing.T) {
	store := &memStore{}
	dl := NewDecisionLog(store, zaptest.NewLogger(t), Options{BufferSize: 10, Workers: 4, BatchSize: 5})
	dl.Start()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				dl.Record(rec(fmt.Sprintf("%d-%d", g, i)))
			}
		}()
	}
	stopped := make(chan struct{})
	go func() {
		dl.Stop()
		close(stopped)
	}()
	wg.Wait()
	<-stopped

	// Каждая запись либо доставлена, либо посчитана как потерянная
	assert.EqualValues(t, 800, int64(len(store.ids()))+dl.Dropped())
}

func TestWriterStore_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterStore(&buf)

	in := domain.NewInput(domain.RequestAttributes{Method: "get", Path: "/x"})
	require.NoError(t, s.WriteBatch(context.Background(), []DecisionRecord{
		{DecisionID: "1", Input: in, Result: domain.Allow("ok", nil)},
		{DecisionID: "2", Input: in, Result: domain.Deny("no")},
	}))

	sc := bufio.NewScanner(&buf)
	var got []DecisionRecord
	for sc.Scan() {
		var r DecisionRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].Result.Allowed)
	assert.Equal(t, 403, got[1].Result.Status)
	assert.Equal(t, "GET", got[1].Input.Method)
}

func TestFileStore_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")

	for range 2 {
		s, err := NewFileStore(path)
		require.NoError(t, err)
		require.NoError(t, s.WriteBatch(context.Background(), []DecisionRecord{rec("x")}))
		require.NoError(t, s.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestMultiStore(t *testing.T) {
	ok := &memStore{}
	failing := &memStore{err: errors.New("collector unavailable")}

	err := MultiStore{failing, ok}.WriteBatch(context.Background(), []DecisionRecord{rec("a")})
	assert.EqualError(t, err, "collector unavailable")
	assert.Equal(t, []string{"a"}, ok.ids())
}
