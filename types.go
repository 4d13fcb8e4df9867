package relaykit

import (
	"time"
)

// Tag is an ordered list of strings. The first element names the tag,
// the remaining elements are type-specific values.
type Tag []string

// Event is an immutable, signed unit of data replicated across relays.
// Events are content-addressed: ID is derived from the serialized body,
// so an event is never mutated, only superseded by a newer one sharing
// the same identity key.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	Kind      int    `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

const (
	KindProfile    = 0
	KindNote       = 1
	KindFollowList = 3
	KindRepost     = 6
	KindReaction   = 7
	KindRelayList  = 10002
	KindFollowSet  = 30000
	KindGenericSet = 30001
	KindPlaylist   = 32100
)

// IsReplaceable reports whether events of this kind are versions of a
// single per-author entity.
func IsReplaceable(kind int) bool {
	return kind == KindProfile || kind == KindFollowList ||
		(kind >= 10000 && kind < 20000)
}

// IsParamReplaceable reports whether events of this kind carry a "d" tag
// identifier and replace per (author, kind, identifier).
func IsParamReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// TagValues returns the first value of every tag with the given name,
// preserving order.
func (ev Event) TagValues(name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// FirstTag returns the first value of the first tag with the given name.
func (ev Event) FirstTag(name string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Identifier returns the "d" tag value, empty for kinds that replace
// per author alone.
func (ev Event) Identifier() string {
	if !IsParamReplaceable(ev.Kind) {
		return ""
	}
	id, _ := ev.FirstTag("d")
	return id
}

// Filter selects events on a relay. Zero fields are wildcards.
type Filter struct {
	IDs         []string `json:"ids,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Kinds       []int    `json:"kinds,omitempty"`
	Identifiers []string `json:"#d,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// PublishOptions control endpoint resolution for a single publish call.
type PublishOptions struct {
	// ExplicitEndpoints overrides endpoint resolution entirely when
	// non-nil. An empty non-nil slice means "publish nowhere" and fails
	// fast.
	ExplicitEndpoints []string `json:"explicitEndpoints,omitempty"`

	// OptimizeEndpoints allows trimming the endpoint set when the caller
	// does not need exhaustive distribution. Ignored whenever targeted
	// notification endpoints were added.
	OptimizeEndpoints bool `json:"optimizeEndpoints,omitempty"`

	// NotifyNewMembers lists identities newly added by a membership
	// update. Every endpoint known for each one is included, unfiltered.
	NotifyNewMembers []string `json:"notifyNewMembers,omitempty"`

	// NotifyReferenced includes every endpoint known for each identity
	// referenced by the event's "p" tags.
	NotifyReferenced bool `json:"notifyReferenced,omitempty"`

	Timeout time.Duration `json:"-"`

	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// EndpointResult is the outcome of one endpoint within a fan-out.
type EndpointResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// PublishResult aggregates a fan-out. Success is disjunctive: true iff
// at least one endpoint accepted the event.
type PublishResult struct {
	Success     bool                      `json:"success"`
	PerEndpoint map[string]EndpointResult `json:"perEndpoint"`
}

// SignalEvent is a lifecycle notification emitted on the signal bus.
type SignalEvent struct {
	Type     string `json:"type"`
	URI      string `json:"uri,omitempty"`
	EventID  string `json:"eventID,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

const (
	SignalPublishStarted   = "publish.started"
	SignalPublishEndpoint  = "publish.endpoint"
	SignalPublishCompleted = "publish.completed"
	SignalEntityUpdated    = "entity.updated"
)

// WellKnown describes the daemon's local API surface.
type WellKnown struct {
	Version   string            `json:"version"`
	PubKey    string            `json:"pubkey"`
	Endpoints map[string]string `json:"endpoints"`
}
