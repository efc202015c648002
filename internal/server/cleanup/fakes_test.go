package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sharekeeper/internal/server/database"
	"sharekeeper/internal/server/storage"
)

func strPtr(s string) *string { return &s }

// memoryShares applies the same predicates as the SQL repository.
type memoryShares struct {
	mu     sync.Mutex
	shares []*database.Share

	markErr     error
	countsErr   error
	listAnonErr error
	listIDsErr  error
}

func (m *memoryShares) add(s *database.Share) { m.shares = append(m.shares, s) }

func (m *memoryShares) get(shareID string) *database.Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shares {
		if s.ShareID == shareID {
			return s
		}
	}
	return nil
}

func (m *memoryShares) ListMalformedOwnership(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.shares {
		if (s.UserID == nil) != (s.OrganizationID == nil) {
			ids = append(ids, s.ShareID)
		}
	}
	return ids, nil
}

func (m *memoryShares) ExpiredWorkspaceCounts(_ context.Context, now time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countsErr != nil {
		return nil, m.countsErr
	}
	counts := make(map[string]int)
	for _, s := range m.shares {
		if s.ExpiresAt.Before(now) && s.UserID != nil && s.OrganizationID != nil && !s.IsExpired {
			counts[*s.OrganizationID]++
		}
	}
	return counts, nil
}

func (m *memoryShares) MarkWorkspaceSharesExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return 0, m.markErr
	}
	var n int64
	for _, s := range m.shares {
		if s.ExpiresAt.Before(now) && s.UserID != nil && s.OrganizationID != nil && !s.IsExpired {
			s.IsExpired = true
			n++
		}
	}
	return n, nil
}

func (m *memoryShares) ListExpiredAnonymousShares(_ context.Context, now time.Time) ([]*database.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listAnonErr != nil {
		return nil, m.listAnonErr
	}
	var out []*database.Share
	for _, s := range m.shares {
		if s.ExpiresAt.Before(now) && s.IsAnonymous() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryShares) DeleteExpiredAnonymousShares(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*database.Share
	var n int64
	for _, s := range m.shares {
		if s.ExpiresAt.Before(now) && s.IsAnonymous() {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.shares = kept
	return n, nil
}

func (m *memoryShares) ListShareIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listIDsErr != nil {
		return nil, m.listIDsErr
	}
	ids := make([]string, 0, len(m.shares))
	for _, s := range m.shares {
		ids = append(ids, s.ShareID)
	}
	return ids, nil
}

type fakeLedger struct {
	mu         sync.Mutex
	decrements map[string]int
	failOrgs   map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{decrements: make(map[string]int), failOrgs: make(map[string]bool)}
}

func (f *fakeLedger) Decrement(_ context.Context, org string, metric database.UsageMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if metric != database.MetricShares {
		return errors.New("unexpected metric")
	}
	if f.failOrgs[org] {
		return errors.New("counter unavailable")
	}
	f.decrements[org]++
	return nil
}

type memoryBlobs struct {
	mu       sync.Mutex
	objects  map[string]int64
	deleted  []string
	failKeys map[string]bool
	listErr  error
}

func newMemoryBlobs(keys ...string) *memoryBlobs {
	b := &memoryBlobs{objects: make(map[string]int64), failKeys: make(map[string]bool)}
	for _, k := range keys {
		b.objects[k] = 100
	}
	return b
}

func (b *memoryBlobs) Init(context.Context) error { return nil }

func (b *memoryBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = int64(len(data))
	return nil
}

func (b *memoryBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return make([]byte, size), nil
}

func (b *memoryBlobs) List(context.Context) ([]storage.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var out []storage.Object
	for k, size := range b.objects {
		out = append(out, storage.Object{Key: k, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *memoryBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, key)
	if b.failKeys[key] {
		return errors.New("delete refused")
	}
	delete(b.objects, key)
	return nil
}

func (b *memoryBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

type fakeLocker struct {
	held     bool
	err      error
	unlocked int
}

func (l *fakeLocker) TryLock(context.Context) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() {
		l.held = false
		l.unlocked++
	}, true, nil
}
