package relaykit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// IdentityKey names one logical, mutable-by-replacement entity: all
// events sharing it are versions of the same thing, of which exactly
// one is authoritative at any time.
type IdentityKey struct {
	PubKey     string `json:"pubkey"`
	Kind       int    `json:"kind"`
	Identifier string `json:"identifier,omitempty"`
}

// IdentityKeyOf extracts the identity key of an event. The identifier
// component is only populated for parameterized replaceable kinds.
func IdentityKeyOf(ev Event) IdentityKey {
	return IdentityKey{
		PubKey:     ev.PubKey,
		Kind:       ev.Kind,
		Identifier: ev.Identifier(),
	}
}

func (k IdentityKey) String() string {
	if k.Identifier == "" {
		return fmt.Sprintf("%s/%d", k.PubKey, k.Kind)
	}
	return fmt.Sprintf("%s/%d/%s", k.PubKey, k.Kind, k.Identifier)
}

// Filter returns the relay filter matching every version of this entity.
func (k IdentityKey) Filter() Filter {
	f := Filter{
		Authors: []string{k.PubKey},
		Kinds:   []int{k.Kind},
	}
	if k.Identifier != "" {
		f.Identifiers = []string{k.Identifier}
	}
	return f
}

// ParseEntityURI parses an rk:// entity URI of the form
// rk://<pubkey>/<kind>[/<identifier>]. The argument may be
// percent-escaped.
func ParseEntityURI(escaped string) (IdentityKey, error) {
	uriString, err := url.QueryUnescape(escaped)
	if err != nil {
		return IdentityKey{}, fmt.Errorf("invalid uri encoding")
	}
	uri, err := url.Parse(uriString)
	if err != nil {
		return IdentityKey{}, fmt.Errorf("invalid uri")
	}

	if uri.Scheme != "rk" {
		return IdentityKey{}, fmt.Errorf("unsupported uri scheme")
	}

	pubkey := uri.Host
	if pubkey == "" {
		return IdentityKey{}, fmt.Errorf("missing pubkey")
	}

	parts := strings.SplitN(strings.TrimPrefix(uri.Path, "/"), "/", 2)
	if parts[0] == "" {
		return IdentityKey{}, fmt.Errorf("missing kind")
	}

	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return IdentityKey{}, fmt.Errorf("invalid kind")
	}

	key := IdentityKey{PubKey: pubkey, Kind: kind}
	if len(parts) == 2 {
		key.Identifier = parts[1]
	}

	return key, nil
}

// ComposeEntityURI is the inverse of ParseEntityURI.
func ComposeEntityURI(key IdentityKey) string {
	path := "/" + strconv.Itoa(key.Kind)
	if key.Identifier != "" {
		path += "/" + key.Identifier
	}
	u := &url.URL{
		Scheme: "rk",
		Host:   key.PubKey,
		Path:   path,
	}
	return u.String()
}

// NormalizeEndpoint canonicalizes a relay address so that duplicate
// endpoints reached through differently-spelled URLs collapse to one
// entry in a fan-out set.
func NormalizeEndpoint(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(trimmed, "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return u.String()
}
