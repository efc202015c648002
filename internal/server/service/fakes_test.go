package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sharekeeper/internal/server/config"
	"sharekeeper/internal/server/database"
	"sharekeeper/internal/server/storage"

	"github.com/google/uuid"
)

type usageKey struct {
	org    string
	metric database.UsageMetric
}

// memoryRepo is an in-memory Repository. Its transactions snapshot state and
// restore it when fn fails.
type memoryRepo struct {
	mu     sync.Mutex
	shares map[string]*database.Share
	usage  map[usageKey]int64

	viewErr  error
	takenIDs map[string]bool

	// afterGet runs after GetShare returns its copy, with no lock held.
	afterGet func(shareID string)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		shares:   make(map[string]*database.Share),
		usage:    make(map[usageKey]int64),
		takenIDs: make(map[string]bool),
	}
}

func (m *memoryRepo) tx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	shares := make(map[string]*database.Share, len(m.shares))
	for k, v := range m.shares {
		cp := *v
		shares[k] = &cp
	}
	counters := make(map[usageKey]int64, len(m.usage))
	for k, v := range m.usage {
		counters[k] = v
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.shares = shares
		m.usage = counters
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryRepo) put(s *database.Share) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.shares[s.ShareID] = s
}

func (m *memoryRepo) get(shareID string) *database.Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shares[shareID]
}

func (m *memoryRepo) counter(org string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[usageKey{org, database.MetricShares}]
}

func (m *memoryRepo) byID(id uuid.UUID) *database.Share {
	for _, s := range m.shares {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *memoryRepo) ShareIDExists(_ context.Context, shareID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shares[shareID]
	return ok || m.takenIDs[shareID], nil
}

func (m *memoryRepo) CreateShare(_ context.Context, share *database.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[share.ShareID]; ok {
		return errors.New("duplicate share id")
	}
	cp := *share
	m.shares[share.ShareID] = &cp
	return nil
}

func (m *memoryRepo) GetShare(_ context.Context, shareID string) (*database.Share, error) {
	m.mu.Lock()
	s, ok := m.shares[shareID]
	if !ok {
		m.mu.Unlock()
		return nil, database.ErrShareNotFound
	}
	cp := *s
	m.mu.Unlock()

	if m.afterGet != nil {
		m.afterGet(shareID)
	}
	return &cp, nil
}

// flag marks a share expired and gives back its usage unit, as a sweep does.
func (m *memoryRepo) flag(shareID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.shares[shareID]
	s.IsExpired = true
	key := usageKey{*s.OrganizationID, database.MetricShares}
	if m.usage[key] > 0 {
		m.usage[key]--
	}
}

func (m *memoryRepo) ListSharesByOrganization(_ context.Context, organizationID string) ([]*database.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.Share
	for _, s := range m.shares {
		if s.OrganizationID != nil && *s.OrganizationID == organizationID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRepo) update(id uuid.UUID, fn func(*database.Share)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return database.ErrShareNotFound
	}
	fn(s)
	return nil
}

func (m *memoryRepo) RenameShare(_ context.Context, id uuid.UUID, title *string) error {
	return m.update(id, func(s *database.Share) { s.Title = title })
}

func (m *memoryRepo) RenewShare(_ context.Context, id uuid.UUID, expiresAt time.Time) error {
	return m.update(id, func(s *database.Share) {
		s.ExpiresAt = expiresAt
		s.IsExpired = false
	})
}

func (m *memoryRepo) SetShareImage(_ context.Context, id uuid.UUID, imageURL string) error {
	return m.update(id, func(s *database.Share) { s.OGImageURL = &imageURL })
}

func (m *memoryRepo) LockShare(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return false, database.ErrShareNotFound
	}
	return s.IsExpired, nil
}

func (m *memoryRepo) DeleteShare(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return false, database.ErrShareNotFound
	}
	delete(m.shares, s.ShareID)
	return s.IsExpired, nil
}

func (m *memoryRepo) IncrementViewCount(_ context.Context, shareID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viewErr != nil {
		return m.viewErr
	}
	s, ok := m.shares[shareID]
	if !ok {
		return database.ErrShareNotFound
	}
	s.ViewCount++
	return nil
}

func (m *memoryRepo) CountActiveShares(_ context.Context, organizationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.shares {
		if s.IsWorkspace() && *s.OrganizationID == organizationID && !s.IsExpired {
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) GetStats(_ context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &database.Stats{}
	for _, s := range m.shares {
		stats.TotalShares++
		stats.TotalViews += int64(s.ViewCount)
		if s.IsExpired {
			stats.ExpiredShares++
		}
		if s.IsAnonymous() {
			stats.AnonymousShares++
		}
	}
	return stats, nil
}

func (m *memoryRepo) IncrementUsage(_ context.Context, org string, metric database.UsageMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey{org, metric}]++
	return nil
}

func (m *memoryRepo) DecrementUsage(_ context.Context, org string, metric database.UsageMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage[usageKey{org, metric}] > 0 {
		m.usage[usageKey{org, metric}]--
	}
	return nil
}

func (m *memoryRepo) SetUsage(_ context.Context, org string, metric database.UsageMetric, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey{org, metric}] = value
	return nil
}

func (m *memoryRepo) GetUsage(_ context.Context, org string, metric database.UsageMetric) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[usageKey{org, metric}], nil
}

type memoryImages struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemoryImages() *memoryImages {
	return &memoryImages{objects: make(map[string][]byte)}
}

func (b *memoryImages) Init(context.Context) error { return nil }

func (b *memoryImages) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memoryImages) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (b *memoryImages) List(context.Context) ([]storage.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.Object
	for k, v := range b.objects {
		out = append(out, storage.Object{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (b *memoryImages) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.objects, key)
	return nil
}

func (b *memoryImages) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		BaseURL: "https://share.example.com",
		Storage: config.Storage{PublicURL: "https://cdn.example.com/og"},
		Shares: config.Shares{
			IDLength:        10,
			AnonymousTTL:    7 * 24 * time.Hour,
			WorkspaceTTL:    30 * 24 * time.Hour,
			MaxPayloadBytes: 1024,
			MaxPayloadDepth: 4,
			MaxImageBytes:   1024,
		},
	}
}

func newTestService(cfg *config.Config) (*ShareService, *memoryRepo, *memoryImages) {
	repo := newMemoryRepo()
	images := newMemoryImages()
	svc := newShareService(repo, repo.tx, images, cfg)
	svc.now = func() time.Time { return testNow }
	return svc, repo, images
}
