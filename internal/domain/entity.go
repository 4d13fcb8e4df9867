package domain

import (
	"encoding/json"

	"github.com/totegamma/relaykit"
)

// MemberRef is a reference to another identity carried by a list-like
// entity, either in public tags or in the decrypted payload.
type MemberRef struct {
	PubKey string `json:"pubkey"`
	Relay  string `json:"relay,omitempty"`
}

// Entity is the resolved, current-value view over all events sharing an
// identity key. The public members are always available synchronously;
// private members only ever add to the set and arrive asynchronously.
type Entity struct {
	Key               relaykit.IdentityKey `json:"key"`
	URI               string               `json:"uri"`
	Record            *relaykit.Event      `json:"record,omitempty"`
	Members           []MemberRef          `json:"members"`
	PrivateMembers    []MemberRef          `json:"privateMembers,omitempty"`
	DecryptionPending bool                 `json:"decryptionPending"`
}

// LogicalTime is the creation timestamp of the authoritative record,
// zero for a placeholder entity.
func (e Entity) LogicalTime() int64 {
	if e.Record == nil {
		return 0
	}
	return e.Record.CreatedAt
}

// AllMembers merges public and private members by value, public first,
// deduplicated by pubkey.
func (e Entity) AllMembers() []MemberRef {
	seen := make(map[string]bool, len(e.Members)+len(e.PrivateMembers))
	merged := make([]MemberRef, 0, len(e.Members)+len(e.PrivateMembers))
	for _, m := range e.Members {
		if seen[m.PubKey] {
			continue
		}
		seen[m.PubKey] = true
		merged = append(merged, m)
	}
	for _, m := range e.PrivateMembers {
		if seen[m.PubKey] {
			continue
		}
		seen[m.PubKey] = true
		merged = append(merged, m)
	}
	return merged
}

// EntityOf builds the public-only view of a resolved record. A non-empty
// payload on a list kind is assumed encrypted and marks the entity
// decryption-pending.
func EntityOf(key relaykit.IdentityKey, record *relaykit.Event) Entity {
	entity := Entity{
		Key: key,
		URI: relaykit.ComposeEntityURI(key),
	}
	if record == nil {
		return entity
	}
	entity.Record = record
	entity.Members = PublicMembers(*record)
	entity.DecryptionPending = HasPrivateSection(*record)
	return entity
}

// PublicMembers extracts member references from the public "p" tags.
func PublicMembers(ev relaykit.Event) []MemberRef {
	var members []MemberRef
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		ref := MemberRef{PubKey: tag[1]}
		if len(tag) >= 3 {
			ref.Relay = tag[2]
		}
		members = append(members, ref)
	}
	return members
}

// HasPrivateSection reports whether the event carries an encrypted
// payload that may hold additional members.
func HasPrivateSection(ev relaykit.Event) bool {
	return ev.Content != "" && isListKind(ev.Kind)
}

func isListKind(kind int) bool {
	return kind == relaykit.KindFollowList ||
		(kind >= 10000 && kind < 20000) ||
		relaykit.IsParamReplaceable(kind)
}

// ParsePrivateMembers decodes a decrypted payload. The plaintext is a
// JSON tag array, the same shape as the public tags.
func ParsePrivateMembers(plaintext string) ([]MemberRef, error) {
	var tags []relaykit.Tag
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		return nil, err
	}
	var members []MemberRef
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		ref := MemberRef{PubKey: tag[1]}
		if len(tag) >= 3 {
			ref.Relay = tag[2]
		}
		members = append(members, ref)
	}
	return members, nil
}
