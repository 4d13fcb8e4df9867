package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/patrickmn/go-cache"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/domain"
	"github.com/totegamma/relaykit/internal/usecase"
)

const directoryCacheTTL = 10 * time.Minute

// Directory resolves the relay endpoints known for an identity from its
// relay-list record, looked up through the bootstrap endpoints. Results
// are cached in-process and, when configured, in memcached for
// cross-process reuse. An identity with no known relay list falls back
// to the bootstrap set.
type Directory struct {
	transport usecase.RelayTransport
	cache     *cache.Cache
	mc        *memcache.Client
	bootstrap []string
}

func NewDirectory(transport usecase.RelayTransport, mc *memcache.Client, bootstrap []string) *Directory {
	return &Directory{
		transport: transport,
		cache:     cache.New(directoryCacheTTL, 15*time.Minute),
		mc:        mc,
		bootstrap: bootstrap,
	}
}

func (d *Directory) EndpointsFor(ctx context.Context, pubkey string) ([]string, error) {

	cacheKey := "endpoints:" + pubkey

	if x, found := d.cache.Get(cacheKey); found {
		return x.([]string), nil
	}

	if d.mc != nil {
		if item, err := d.mc.Get(cacheKey); err == nil {
			var endpoints []string
			if err := json.Unmarshal(item.Value, &endpoints); err == nil {
				d.cache.Set(cacheKey, endpoints, cache.DefaultExpiration)
				return endpoints, nil
			}
		}
	}

	endpoints, err := d.lookup(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, d.bootstrap...)
	}

	d.cache.Set(cacheKey, endpoints, cache.DefaultExpiration)
	if d.mc != nil {
		if serialized, err := json.Marshal(endpoints); err == nil {
			err = d.mc.Set(&memcache.Item{
				Key:        cacheKey,
				Value:      serialized,
				Expiration: int32(directoryCacheTTL / time.Second),
			})
			if err != nil {
				slog.Debug(
					"memcached set failed",
					slog.String("error", err.Error()),
					slog.String("module", "directory"),
				)
			}
		}
	}

	return endpoints, nil
}

func (d *Directory) lookup(ctx context.Context, pubkey string) ([]string, error) {

	key := relaykit.IdentityKey{PubKey: pubkey, Kind: relaykit.KindRelayList}

	fetched, err := d.transport.Query(ctx, d.bootstrap, key.Filter())
	if err != nil {
		return nil, err
	}

	var candidates []relaykit.Event
	for _, ev := range fetched {
		if ev.PubKey != pubkey || ev.Kind != relaykit.KindRelayList {
			continue
		}
		candidates = append(candidates, ev)
	}

	record, found := domain.Resolve(candidates)
	if !found {
		return nil, nil
	}

	var endpoints []string
	seen := make(map[string]bool)
	for _, raw := range record.TagValues("r") {
		endpoint := relaykit.NormalizeEndpoint(raw)
		if endpoint == "" || seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}
