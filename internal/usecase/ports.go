package usecase

import (
	"context"

	"github.com/pkg/errors"

	"github.com/totegamma/relaykit"
)

// ErrDecryptUnavailable signals that decryption is not currently
// possible (signer locked, hardware unavailable) rather than that the
// payload is undecryptable.
var ErrDecryptUnavailable = errors.New("decryption unavailable")

// ErrNoEndpoints is returned by Publish when endpoint resolution yields
// an empty set; no network call is attempted.
var ErrNoEndpoints = errors.New("no endpoints available")

// RecordStore defines local persistence for events, keyed by id and by
// identity key.
type RecordStore interface {
	GetByKey(ctx context.Context, key relaykit.IdentityKey) ([]relaykit.Event, error)
	GetByAuthor(ctx context.Context, pubkey string, kind int) ([]relaykit.Event, error)
	GetByID(ctx context.Context, id string) (*relaykit.Event, error)
	Upsert(ctx context.Context, ev relaykit.Event) error
	Delete(ctx context.Context, id string) error
}

// RelayTransport defines the opaque relay wire capability. Timeouts are
// carried by the caller's context.
type RelayTransport interface {
	Send(ctx context.Context, endpoint string, ev relaykit.Event) error
	Query(ctx context.Context, endpoints []string, filter relaykit.Filter) ([]relaykit.Event, error)
}

// EndpointDirectory resolves the relay endpoints known for an identity,
// both "my own" and those of referenced/notified identities.
type EndpointDirectory interface {
	EndpointsFor(ctx context.Context, pubkey string) ([]string, error)
}

// DecryptProvider attempts to produce a plaintext view of an encrypted
// payload. May require interactive approval, hence unbounded latency.
type DecryptProvider interface {
	TryDecrypt(ctx context.Context, payload string, identity string) (string, error)
}

// Signal publishes fire-and-forget lifecycle notifications.
type Signal interface {
	Publish(ctx context.Context, channel string, event relaykit.SignalEvent) error
}
