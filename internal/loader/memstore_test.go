package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/entitylink/internal/model"
)

var errTransient = errors.New("connection reset")

type domainRow struct {
	id  int64
	abn *int64
}

type socialKey struct {
	domainID int64
	platform string
}

type memState struct {
	entities     map[int64]model.Entity
	tradingNames map[model.TradingName]struct{}
	domains      map[string]domainRow
	nextID       int64
	metadata     map[model.MetadataKey]model.PageMeta
	touched      map[model.MetadataKey]int
	social       map[socialKey]string
}

func (s *memState) clone() *memState {
	return &memState{
		entities:     maps.Clone(s.entities),
		tradingNames: maps.Clone(s.tradingNames),
		domains:      maps.Clone(s.domains),
		nextID:       s.nextID,
		metadata:     maps.Clone(s.metadata),
		touched:      maps.Clone(s.touched),
		social:       maps.Clone(s.social),
	}
}

// memStore is an in-memory Store with transactional snapshots and the
// unique and foreign key checks of the Postgres schema.
type memStore struct {
	mu      sync.Mutex
	state   *memState
	pingErr error
	// fail makes the next n calls of a Tx method fail with its error.
	fail map[string]*injected
	txs  int
}

type injected struct {
	n   int
	err error
}

func newMemStore() *memStore {
	return &memStore{
		state: &memState{
			entities:     map[int64]model.Entity{},
			tradingNames: map[model.TradingName]struct{}{},
			domains:      map[string]domainRow{},
			metadata:     map[model.MetadataKey]model.PageMeta{},
			touched:      map[model.MetadataKey]int{},
			social:       map[socialKey]string{},
		},
		fail: map[string]*injected{},
	}
}

func (m *memStore) failNext(method string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[method] = &injected{n: n, err: err}
}

func (m *memStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++

	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memTx struct {
	store *memStore
	state *memState
}

func (t *memTx) check(method string) error {
	f := t.store.fail[method]
	if f == nil || f.n == 0 {
		return nil
	}
	f.n--
	return f.err
}

func (t *memTx) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	if err := t.check("UpsertEntities"); err != nil {
		return err
	}
	seen := map[int64]struct{}{}
	for _, e := range entities {
		if _, dup := seen[e.ABN]; dup {
			return fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time: abn %d", e.ABN)
		}
		seen[e.ABN] = struct{}{}
		e.TradingNames = nil
		if old, ok := t.state.entities[e.ABN]; ok {
			e = keepAttributes(old, e)
		}
		t.state.entities[e.ABN] = e
	}
	return nil
}

// keepAttributes fills the blank optional attributes of e from old, the
// way the Postgres upsert coalesces them.
func keepAttributes(old, e model.Entity) model.Entity {
	keep := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	keep(&e.EntityType, old.EntityType)
	keep(&e.EntityTypeCode, old.EntityTypeCode)
	keep(&e.ABNStatus, old.ABNStatus)
	keep(&e.GSTStatus, old.GSTStatus)
	keep(&e.State, old.State)
	keep(&e.Postcode, old.Postcode)
	if e.ABNStatusFrom == nil {
		e.ABNStatusFrom = old.ABNStatusFrom
	}
	if e.ASICNumber == nil {
		e.ASICNumber = old.ASICNumber
	}
	if e.GSTFrom == nil {
		e.GSTFrom = old.GSTFrom
	}
	return e
}

func (t *memTx) InsertTradingNames(ctx context.Context, names []model.TradingName) error {
	if err := t.check("InsertTradingNames"); err != nil {
		return err
	}
	for _, tn := range names {
		if _, ok := t.state.entities[tn.ABN]; !ok {
			return fmt.Errorf("foreign key violation: abn %d", tn.ABN)
		}
		t.state.tradingNames[tn] = struct{}{}
	}
	return nil
}

func (t *memTx) KnownEntities(ctx context.Context, abns []int64) (map[int64]struct{}, error) {
	if err := t.check("KnownEntities"); err != nil {
		return nil, err
	}
	known := map[int64]struct{}{}
	for _, abn := range abns {
		if _, ok := t.state.entities[abn]; ok {
			known[abn] = struct{}{}
		}
	}
	return known, nil
}

func (t *memTx) checkOwner(abn *int64) error {
	if abn == nil {
		return nil
	}
	if _, ok := t.state.entities[*abn]; !ok {
		return fmt.Errorf("foreign key violation: abn %d", *abn)
	}
	return nil
}

func (t *memTx) UpsertDomains(ctx context.Context, owners []model.DomainOwner) error {
	if err := t.check("UpsertDomains"); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, o := range owners {
		if _, dup := seen[o.Domain]; dup {
			return fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time: %s", o.Domain)
		}
		seen[o.Domain] = struct{}{}
		if err := t.checkOwner(o.ABN); err != nil {
			return err
		}
		row, ok := t.state.domains[o.Domain]
		if !ok {
			t.state.nextID++
			row = domainRow{id: t.state.nextID}
		}
		if o.ABN != nil {
			row.abn = o.ABN
		}
		t.state.domains[o.Domain] = row
	}
	return nil
}

func (t *memTx) EnsureDomains(ctx context.Context, owners []model.DomainOwner) (int, error) {
	if err := t.check("EnsureDomains"); err != nil {
		return 0, err
	}
	created := 0
	for _, o := range owners {
		if _, ok := t.state.domains[o.Domain]; ok {
			continue
		}
		if err := t.checkOwner(o.ABN); err != nil {
			return 0, err
		}
		t.state.nextID++
		t.state.domains[o.Domain] = domainRow{id: t.state.nextID, abn: o.ABN}
		created++
	}
	return created, nil
}

func (t *memTx) DomainIDs(ctx context.Context, domains []string) (map[string]int64, error) {
	if err := t.check("DomainIDs"); err != nil {
		return nil, err
	}
	ids := map[string]int64{}
	for _, d := range domains {
		if row, ok := t.state.domains[d]; ok {
			ids[d] = row.id
		}
	}
	return ids, nil
}

func (t *memTx) domainExists(id int64) bool {
	for _, row := range t.state.domains {
		if row.id == id {
			return true
		}
	}
	return false
}

func (t *memTx) UpsertMetadata(ctx context.Context, rows []model.PageMetadata, refresh bool) error {
	if err := t.check("UpsertMetadata"); err != nil {
		return err
	}
	seen := map[model.MetadataKey]struct{}{}
	for _, r := range rows {
		key := model.MetadataKey{DomainID: r.DomainID, URL: r.URL}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time: %v", key)
		}
		seen[key] = struct{}{}
		if !t.domainExists(r.DomainID) {
			return fmt.Errorf("foreign key violation: domain id %d", r.DomainID)
		}
		if _, ok := t.state.metadata[key]; ok && !refresh {
			t.state.touched[key]++
			continue
		}
		t.state.metadata[key] = r.Meta
	}
	return nil
}

func (t *memTx) UpsertSocialLinks(ctx context.Context, links []model.SocialLink) error {
	if err := t.check("UpsertSocialLinks"); err != nil {
		return err
	}
	seen := map[socialKey]struct{}{}
	for _, l := range links {
		key := socialKey{l.DomainID, l.Platform}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("ON CONFLICT DO UPDATE command cannot affect row a second time: %v", key)
		}
		seen[key] = struct{}{}
		if !t.domainExists(l.DomainID) {
			return fmt.Errorf("foreign key violation: domain id %d", l.DomainID)
		}
		t.state.social[key] = l.URL
	}
	return nil
}

func (t *memTx) TouchMetadata(ctx context.Context, keys []model.MetadataKey) (int, error) {
	if err := t.check("TouchMetadata"); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if _, ok := t.state.metadata[k]; ok {
			t.state.touched[k]++
			n++
		}
	}
	return n, nil
}

// sliceSource serves fixed chunks.
type sliceSource[T any] struct {
	chunks  [][]T
	skipped int
}

func chunksOf[T any](size int, recs ...T) *sliceSource[T] {
	s := &sliceSource[T]{}
	for start := 0; start < len(recs); start += size {
		s.chunks = append(s.chunks, recs[start:min(start+size, len(recs))])
	}
	return s
}

func (s *sliceSource[T]) Next() ([]T, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceSource[T]) Skipped() int {
	return s.skipped
}
