package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/domain"
)

// --- mocks ---

type mockStore struct {
	mu      sync.Mutex
	events  map[string]relaykit.Event
	upserts int
}

func newMockStore(events ...relaykit.Event) *mockStore {
	m := &mockStore{events: map[string]relaykit.Event{}}
	for _, ev := range events {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *mockStore) GetByKey(ctx context.Context, key relaykit.IdentityKey) ([]relaykit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []relaykit.Event
	for _, ev := range m.events {
		if relaykit.IdentityKeyOf(ev) == key {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func (m *mockStore) GetByAuthor(ctx context.Context, pubkey string, kind int) ([]relaykit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []relaykit.Event
	for _, ev := range m.events {
		if ev.PubKey == pubkey && ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func (m *mockStore) GetByID(ctx context.Context, id string) (*relaykit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		return &ev, nil
	}
	return nil, domain.NotFoundError{Resource: "event"}
}

func (m *mockStore) Upsert(ctx context.Context, ev relaykit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	m.upserts++
	return nil
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	return nil
}

type mockTransport struct {
	queries int32
	results []relaykit.Event
	gate    chan struct{} // when non-nil, Query blocks until closed
	queried chan struct{} // receives one signal per Query return
}

func (m *mockTransport) Send(ctx context.Context, endpoint string, ev relaykit.Event) error {
	return nil
}

func (m *mockTransport) Query(ctx context.Context, endpoints []string, filter relaykit.Filter) ([]relaykit.Event, error) {
	atomic.AddInt32(&m.queries, 1)
	if m.gate != nil {
		<-m.gate
	}
	if m.queried != nil {
		defer func() { m.queried <- struct{}{} }()
	}
	return m.results, nil
}

type mockDirectory struct {
	endpoints map[string][]string
}

func (m *mockDirectory) EndpointsFor(ctx context.Context, pubkey string) ([]string, error) {
	return m.endpoints[pubkey], nil
}

type mockDecrypt struct {
	gate      chan struct{} // when non-nil, TryDecrypt blocks until closed
	plaintext string
	err       error
}

func (m *mockDecrypt) TryDecrypt(ctx context.Context, payload string, identity string) (string, error) {
	if m.gate != nil {
		<-m.gate
	}
	return m.plaintext, m.err
}

// --- helpers ---

const testIdentity = "pkself"

func playlistEvent(id string, createdAt int64, content string, members ...string) relaykit.Event {
	tags := []relaykit.Tag{{"d", "mix"}}
	for _, m := range members {
		tags = append(tags, relaykit.Tag{"p", m})
	}
	return relaykit.Event{
		ID:        id,
		PubKey:    testIdentity,
		Kind:      relaykit.KindPlaylist,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
}

func playlistKey() relaykit.IdentityKey {
	return relaykit.IdentityKey{PubKey: testIdentity, Kind: relaykit.KindPlaylist, Identifier: "mix"}
}

func awaitUpdate(t *testing.T, updates <-chan domain.Entity) domain.Entity {
	t.Helper()
	select {
	case entity := <-updates:
		return entity
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return domain.Entity{}
	}
}

func assertNoUpdate(t *testing.T, updates <-chan domain.Entity) {
	t.Helper()
	select {
	case entity := <-updates:
		t.Fatalf("unexpected update: %+v", entity)
	case <-time.After(150 * time.Millisecond):
	}
}

func syncWith(store *mockStore, transport *mockTransport, decrypt *mockDecrypt) *SyncUsecase {
	directory := &mockDirectory{endpoints: map[string][]string{
		testIdentity: {"https://relay.local"},
	}}
	return NewSyncUsecase(store, transport, directory, decrypt, nil)
}

// --- tests ---

func TestLoadReturnsPublicViewWithoutWaitingForDecryption(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 100, "ciphertext", "pub1", "pub2"))
	decrypt := &mockDecrypt{gate: make(chan struct{}), plaintext: `[["p","hidden1"]]`}
	uc := syncWith(store, &mockTransport{}, decrypt)

	updates := make(chan domain.Entity, 8)
	uc.OnUpdate(playlistKey(), func(e domain.Entity) { updates <- e })

	started := time.Now()
	entity, err := uc.Load(context.Background(), testIdentity, playlistKey())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("load blocked on decryption: took %v", elapsed)
	}

	if !entity.DecryptionPending {
		t.Fatalf("expected decryption pending")
	}
	if len(entity.Members) != 2 || len(entity.PrivateMembers) != 0 {
		t.Fatalf("expected public-only view, got %+v", entity)
	}

	close(decrypt.gate)

	updated := awaitUpdate(t, updates)
	if updated.DecryptionPending {
		t.Fatalf("expected pending flag cleared")
	}
	if len(updated.PrivateMembers) != 1 || updated.PrivateMembers[0].PubKey != "hidden1" {
		t.Fatalf("expected decrypted member merged, got %+v", updated.PrivateMembers)
	}
	if len(updated.Members) != 2 {
		t.Fatalf("decryption must never replace public members")
	}
}

func TestDecryptionFailureClearsPendingAndKeepsPublicView(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 100, "ciphertext", "pub1"))
	decrypt := &mockDecrypt{err: ErrDecryptUnavailable}
	uc := syncWith(store, &mockTransport{}, decrypt)

	updates := make(chan domain.Entity, 8)
	uc.OnUpdate(playlistKey(), func(e domain.Entity) { updates <- e })

	if _, err := uc.Load(context.Background(), testIdentity, playlistKey()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	updated := awaitUpdate(t, updates)
	if updated.DecryptionPending {
		t.Fatalf("expected pending flag cleared on failure")
	}
	if len(updated.PrivateMembers) != 0 || len(updated.Members) != 1 {
		t.Fatalf("expected public view to remain final, got %+v", updated)
	}
}

func TestNetworkPhaseAppliesNewerResult(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 50, "", "pub1"))
	transport := &mockTransport{results: []relaykit.Event{
		playlistEvent("ev2", 60, "", "pub1", "pub3"),
	}}
	uc := syncWith(store, transport, &mockDecrypt{})

	updates := make(chan domain.Entity, 8)
	uc.OnUpdate(playlistKey(), func(e domain.Entity) { updates <- e })

	entity, err := uc.Load(context.Background(), testIdentity, playlistKey())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if entity.LogicalTime() != 50 {
		t.Fatalf("expected fast local value, got logical time %d", entity.LogicalTime())
	}

	updated := awaitUpdate(t, updates)
	if updated.LogicalTime() != 60 {
		t.Fatalf("expected refreshed entity at 60, got %d", updated.LogicalTime())
	}

	if _, err := store.GetByID(context.Background(), "ev2"); err != nil {
		t.Fatalf("expected fetched event persisted: %v", err)
	}
}

func TestNetworkPhaseNeverRegressesToOlderResult(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 50, "", "pub1"))
	transport := &mockTransport{
		results: []relaykit.Event{playlistEvent("ev0", 40, "", "pub0")},
		queried: make(chan struct{}, 1),
	}
	uc := syncWith(store, transport, &mockDecrypt{})

	updates := make(chan domain.Entity, 8)
	uc.OnUpdate(playlistKey(), func(e domain.Entity) { updates <- e })

	if _, err := uc.Load(context.Background(), testIdentity, playlistKey()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	<-transport.queried
	assertNoUpdate(t, updates)

	entity, err := uc.Load(context.Background(), testIdentity, playlistKey())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if entity.LogicalTime() != 50 {
		t.Fatalf("older network result overwrote cache: got %d", entity.LogicalTime())
	}
}

func TestEmptyNetworkResponseKeepsCachedResult(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 50, "", "pub1"))
	transport := &mockTransport{queried: make(chan struct{}, 1)}
	uc := syncWith(store, transport, &mockDecrypt{})

	updates := make(chan domain.Entity, 8)
	uc.OnUpdate(playlistKey(), func(e domain.Entity) { updates <- e })

	if _, err := uc.Load(context.Background(), testIdentity, playlistKey()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	<-transport.queried
	assertNoUpdate(t, updates)

	entity, err := uc.Load(context.Background(), testIdentity, playlistKey())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if entity.Record == nil || entity.Record.ID != "ev1" {
		t.Fatalf("empty relay response overwrote cache: %+v", entity)
	}
}

func TestConcurrentLoadsShareOneRelayQuery(t *testing.T) {
	store := newMockStore(playlistEvent("ev1", 50, "", "pub1"))
	transport := &mockTransport{
		gate:    make(chan struct{}),
		queried: make(chan struct{}, 1),
	}
	uc := syncWith(store, transport, &mockDecrypt{})

	ctx := context.Background()
	if _, err := uc.Load(ctx, testIdentity, playlistKey()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := uc.Load(ctx, testIdentity, playlistKey()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	close(transport.gate)
	<-transport.queried

	if n := atomic.LoadInt32(&transport.queries); n != 1 {
		t.Fatalf("expected exactly 1 relay query, got %d", n)
	}
}

func TestLoadAuthorGroupsByIdentityKey(t *testing.T) {
	other := playlistEvent("ev2", 70, "")
	other.Tags = []relaykit.Tag{{"d", "chill"}}
	store := newMockStore(playlistEvent("ev1", 50, "", "pub1"), other)
	uc := syncWith(store, &mockTransport{}, &mockDecrypt{})

	entities, err := uc.LoadAuthor(context.Background(), testIdentity, testIdentity, relaykit.KindPlaylist)
	if err != nil {
		t.Fatalf("load author failed: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}
