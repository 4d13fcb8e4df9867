package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/domain"
)

var tracer = otel.Tracer("engine")

// UpdateFunc receives successive entity values as background phases
// produce better answers.
type UpdateFunc func(domain.Entity)

// SyncUsecase implements the cache-then-network read path: a fast local
// answer, then a background relay refresh and decryption overlay pushed
// through OnUpdate subscriptions. Later phases never regress an earlier
// better answer.
type SyncUsecase struct {
	store     RecordStore
	transport RelayTransport
	directory EndpointDirectory
	decrypt   DecryptProvider
	signal    Signal

	inflight    *xsync.MapOf[string, struct{}]
	latest      *xsync.MapOf[string, domain.Entity]
	subscribers *xsync.MapOf[string, []UpdateFunc]
}

func NewSyncUsecase(
	store RecordStore,
	transport RelayTransport,
	directory EndpointDirectory,
	decrypt DecryptProvider,
	signal Signal,
) *SyncUsecase {
	return &SyncUsecase{
		store:       store,
		transport:   transport,
		directory:   directory,
		decrypt:     decrypt,
		signal:      signal,
		inflight:    xsync.NewMapOf[string, struct{}](),
		latest:      xsync.NewMapOf[string, domain.Entity](),
		subscribers: xsync.NewMapOf[string, []UpdateFunc](),
	}
}

// OnUpdate registers a callback fired whenever a background phase
// produces a new authoritative entity for the key.
func (uc *SyncUsecase) OnUpdate(key relaykit.IdentityKey, fn UpdateFunc) {
	uc.subscribers.Compute(key.String(), func(old []UpdateFunc, loaded bool) ([]UpdateFunc, bool) {
		return append(old, fn), false
	})
}

// Load returns the current best-known entity for the key immediately,
// built from the local store without waiting for network or decryption.
// A missing entity yields an empty placeholder, not an error. Background
// refresh and decryption are deduplicated per key: concurrent loads for
// the same key share one relay query.
func (uc *SyncUsecase) Load(ctx context.Context, identity string, key relaykit.IdentityKey) (domain.Entity, error) {
	ctx, span := tracer.Start(ctx, "Sync.Load")
	defer span.End()

	records, err := uc.store.GetByKey(ctx, key)
	if err != nil {
		span.RecordError(errors.Wrap(err, "local store query failed"))
		slog.Warn(
			"local store query failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
			slog.String("module", "sync"),
		)
		records = nil
	}

	var entity domain.Entity
	if record, found := domain.Resolve(records); found {
		entity = domain.EntityOf(key, &record)
	} else {
		entity = domain.EntityOf(key, nil)
	}
	entity = uc.push(ctx, entity, false)

	k := key.String()
	if _, loaded := uc.inflight.LoadOrStore(k, struct{}{}); !loaded {
		bg := context.WithoutCancel(ctx)
		if entity.DecryptionPending {
			go uc.runDecryption(bg, identity, entity)
		}
		go func() {
			defer uc.inflight.Delete(k)
			uc.refresh(bg, identity, key)
		}()
	}

	return entity, nil
}

// LoadAuthor returns the current best-known entities of one author and
// kind, then refreshes all of them with a single relay query in the
// background. Deduplicated per (author, kind).
func (uc *SyncUsecase) LoadAuthor(ctx context.Context, identity string, pubkey string, kind int) ([]domain.Entity, error) {
	ctx, span := tracer.Start(ctx, "Sync.LoadAuthor")
	defer span.End()

	records, err := uc.store.GetByAuthor(ctx, pubkey, kind)
	if err != nil {
		span.RecordError(errors.Wrap(err, "local store query failed"))
		records = nil
	}

	entities := make([]domain.Entity, 0, len(records))
	for _, group := range groupByKey(records) {
		record, _ := domain.Resolve(group)
		entities = append(entities, uc.push(ctx, domain.EntityOf(relaykit.IdentityKeyOf(record), &record), false))
	}

	k := fmt.Sprintf("author:%s/%d", pubkey, kind)
	if _, loaded := uc.inflight.LoadOrStore(k, struct{}{}); !loaded {
		bg := context.WithoutCancel(ctx)
		for _, entity := range entities {
			if entity.DecryptionPending {
				go uc.runDecryption(bg, identity, entity)
			}
		}
		go func() {
			defer uc.inflight.Delete(k)
			uc.refreshAuthor(bg, identity, pubkey, kind)
		}()
	}

	return entities, nil
}

// GetEvent returns one locally stored event by id. No network phase:
// raw event lookup serves debugging and reposts of already-synced data.
func (uc *SyncUsecase) GetEvent(ctx context.Context, id string) (*relaykit.Event, error) {
	return uc.store.GetByID(ctx, id)
}

// refresh is the network phase for a single key. Failures fall back to
// the cached entity and are never surfaced to the caller.
func (uc *SyncUsecase) refresh(ctx context.Context, identity string, key relaykit.IdentityKey) {
	ctx, span := tracer.Start(ctx, "Sync.Refresh")
	defer span.End()

	endpoints, err := uc.directory.EndpointsFor(ctx, key.PubKey)
	if err != nil || len(endpoints) == 0 {
		if err != nil {
			span.RecordError(err)
			slog.Debug(
				"endpoint resolution failed",
				slog.String("pubkey", key.PubKey),
				slog.String("error", err.Error()),
				slog.String("module", "sync"),
			)
		}
		return
	}

	fetched, err := uc.transport.Query(ctx, endpoints, key.Filter())
	if err != nil {
		span.RecordError(err)
		slog.Warn(
			"relay query failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
			slog.String("module", "sync"),
		)
		return
	}

	var candidates []relaykit.Event
	for _, ev := range fetched {
		if !validForKey(ev, key) {
			slog.Warn(
				"dropping malformed event",
				slog.String("id", ev.ID),
				slog.String("key", key.String()),
				slog.String("module", "sync"),
			)
			continue
		}
		candidates = append(candidates, ev)
	}

	uc.mergeFetched(ctx, identity, key, candidates)
}

// refreshAuthor is the network phase for an author-wide load, fanning
// one query and merging per identity key.
func (uc *SyncUsecase) refreshAuthor(ctx context.Context, identity string, pubkey string, kind int) {
	ctx, span := tracer.Start(ctx, "Sync.RefreshAuthor")
	defer span.End()

	endpoints, err := uc.directory.EndpointsFor(ctx, pubkey)
	if err != nil || len(endpoints) == 0 {
		return
	}

	filter := relaykit.Filter{Authors: []string{pubkey}, Kinds: []int{kind}}
	fetched, err := uc.transport.Query(ctx, endpoints, filter)
	if err != nil {
		span.RecordError(err)
		slog.Warn(
			"relay query failed",
			slog.String("pubkey", pubkey),
			slog.String("error", err.Error()),
			slog.String("module", "sync"),
		)
		return
	}

	valid := fetched[:0]
	for _, ev := range fetched {
		if ev.ID == "" || ev.PubKey != pubkey || ev.Kind != kind {
			slog.Warn(
				"dropping malformed event",
				slog.String("id", ev.ID),
				slog.String("module", "sync"),
			)
			continue
		}
		valid = append(valid, ev)
	}

	for _, group := range groupByKey(valid) {
		uc.mergeFetched(ctx, identity, relaykit.IdentityKeyOf(group[0]), group)
	}
}

// mergeFetched persists relay candidates and applies the merged result.
// An empty candidate set is dropped on the floor: a failed or empty
// relay response must not overwrite a previously good local result.
func (uc *SyncUsecase) mergeFetched(ctx context.Context, identity string, key relaykit.IdentityKey, candidates []relaykit.Event) {
	if len(candidates) == 0 {
		return
	}

	for _, ev := range candidates {
		if err := uc.store.Upsert(ctx, ev); err != nil {
			slog.Warn(
				"failed to persist fetched event",
				slog.String("id", ev.ID),
				slog.String("error", err.Error()),
				slog.String("module", "sync"),
			)
		}
	}

	record, _ := domain.Resolve(candidates)
	before, hadBefore := uc.latest.Load(key.String())

	entity := uc.push(ctx, domain.EntityOf(key, &record), true)

	payloadChanged := !hadBefore || before.Record == nil ||
		(entity.Record != nil && before.Record.ID != entity.Record.ID)
	if entity.DecryptionPending && payloadChanged {
		uc.runDecryption(ctx, identity, entity)
	}
}

// runDecryption is the decryption phase. Whatever the outcome, the
// pending flag is cleared so callers never wait forever; a failure
// leaves the public view as final.
func (uc *SyncUsecase) runDecryption(ctx context.Context, identity string, entity domain.Entity) {
	ctx, span := tracer.Start(ctx, "Sync.Decrypt")
	defer span.End()

	resolved := entity
	resolved.DecryptionPending = false

	plaintext, err := uc.decrypt.TryDecrypt(ctx, entity.Record.Content, identity)
	if err != nil {
		if errors.Is(err, ErrDecryptUnavailable) {
			slog.Debug(
				"decryption unavailable",
				slog.String("key", entity.Key.String()),
				slog.String("module", "sync"),
			)
		} else {
			span.RecordError(err)
			slog.Warn(
				"decryption failed",
				slog.String("key", entity.Key.String()),
				slog.String("error", err.Error()),
				slog.String("module", "sync"),
			)
		}
		uc.push(ctx, resolved, true)
		return
	}

	members, err := domain.ParsePrivateMembers(plaintext)
	if err != nil {
		span.RecordError(err)
		slog.Warn(
			"malformed private payload",
			slog.String("key", entity.Key.String()),
			slog.String("error", err.Error()),
			slog.String("module", "sync"),
		)
		uc.push(ctx, resolved, true)
		return
	}

	resolved.PrivateMembers = members
	uc.push(ctx, resolved, true)
}

// push applies the monotonic non-regression guard and returns the
// winning entity. Subscribers and the signal bus only see values that
// actually advanced, and only from background phases: the synchronous
// phase-1 value is delivered by Load's return instead.
func (uc *SyncUsecase) push(ctx context.Context, candidate domain.Entity, notify bool) domain.Entity {
	key := candidate.Key.String()

	advanced := false
	winner, _ := uc.latest.Compute(key, func(current domain.Entity, loaded bool) (domain.Entity, bool) {
		if !loaded || supersedes(candidate, current) {
			advanced = true
			return candidate, false
		}
		return current, false
	})

	if !advanced || !notify {
		return winner
	}

	if fns, ok := uc.subscribers.Load(key); ok {
		for _, fn := range fns {
			fn(winner)
		}
	}

	if uc.signal != nil {
		sig := relaykit.SignalEvent{
			Type:    relaykit.SignalEntityUpdated,
			URI:     winner.URI,
			Payload: winner,
		}
		if err := uc.signal.Publish(ctx, "entity:"+key, sig); err != nil {
			slog.Debug(
				"signal publish failed",
				slog.String("error", err.Error()),
				slog.String("module", "sync"),
			)
		}
	}

	return winner
}

// supersedes compares by logical time, not arrival order, so a slow
// phase of an earlier load can never clobber a newer result. At equal
// versions only the decrypted extension may advance the entity.
func supersedes(candidate, current domain.Entity) bool {
	if candidate.LogicalTime() != current.LogicalTime() {
		return candidate.LogicalTime() > current.LogicalTime()
	}
	if candidate.Record != nil && current.Record != nil && candidate.Record.ID != current.Record.ID {
		return candidate.Record.ID > current.Record.ID
	}
	if len(candidate.PrivateMembers) > len(current.PrivateMembers) {
		return true
	}
	return current.DecryptionPending && !candidate.DecryptionPending
}

func validForKey(ev relaykit.Event, key relaykit.IdentityKey) bool {
	return ev.ID != "" && ev.PubKey == key.PubKey && ev.Kind == key.Kind &&
		ev.Identifier() == key.Identifier
}

func groupByKey(events []relaykit.Event) [][]relaykit.Event {
	index := make(map[string]int)
	var groups [][]relaykit.Event
	for _, ev := range events {
		k := relaykit.IdentityKeyOf(ev).String()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}
