package usecase

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/totegamma/relaykit"
)

const (
	defaultPublishTimeout = 10 * time.Second
	minEndpointTimeout    = time.Second
	settleGrace           = 200 * time.Millisecond
	maxOptimizedEndpoints = 8
)

// PublishUsecase implements the fan-out write path: resolve the
// endpoint set by semantic intent, broadcast in parallel, aggregate
// disjunctive success. Best-effort broadcast, not quorum consensus: any
// single relay holding the event is enough for eventual discovery.
type PublishUsecase struct {
	transport RelayTransport
	directory EndpointDirectory
	signal    Signal
}

func NewPublishUsecase(
	transport RelayTransport,
	directory EndpointDirectory,
	signal Signal,
) *PublishUsecase {
	return &PublishUsecase{
		transport: transport,
		directory: directory,
		signal:    signal,
	}
}

// Publish fans the event out to the resolved endpoint set. The returned
// result carries per-endpoint detail; Success is true iff at least one
// endpoint accepted the event. An empty endpoint set fails fast with
// ErrNoEndpoints and zero network calls.
func (uc *PublishUsecase) Publish(ctx context.Context, identity string, ev relaykit.Event, opts relaykit.PublishOptions) (relaykit.PublishResult, error) {
	ctx, span := tracer.Start(ctx, "Publish.Fanout",
		trace.WithAttributes(attribute.String("event", ev.ID)))
	defer span.End()

	result := relaykit.PublishResult{
		PerEndpoint: make(map[string]relaykit.EndpointResult),
	}

	endpoints, err := uc.resolveEndpoints(ctx, identity, ev, opts)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	if len(endpoints) == 0 {
		return result, ErrNoEndpoints
	}

	timeout := publishTimeout(opts)
	perTimeout := timeout / 2
	if perTimeout < minEndpointTimeout {
		perTimeout = minEndpointTimeout
	}

	uc.emit(ctx, relaykit.SignalEvent{
		Type:    relaykit.SignalPublishStarted,
		EventID: ev.ID,
		Payload: endpoints,
	})

	type outcome struct {
		endpoint string
		err      error
	}

	outcomes := make(chan outcome, len(endpoints))
	for _, ep := range endpoints {
		go func(ep string) {
			sctx, cancel := context.WithTimeout(ctx, perTimeout)
			defer cancel()
			outcomes <- outcome{ep, uc.transport.Send(sctx, ep, ev)}
		}(ep)
	}

	record := func(o outcome) {
		r := relaykit.EndpointResult{Endpoint: o.endpoint, Success: o.err == nil}
		if o.err != nil {
			r.Error = o.err.Error()
		}
		result.PerEndpoint[o.endpoint] = r
		uc.emit(ctx, relaykit.SignalEvent{
			Type:     relaykit.SignalPublishEndpoint,
			EventID:  ev.ID,
			Endpoint: o.endpoint,
			Error:    r.Error,
		})
	}

	overall := time.NewTimer(timeout)
	defer overall.Stop()

collect:
	for len(result.PerEndpoint) < len(endpoints) {
		select {
		case o := <-outcomes:
			record(o)
		case <-overall.C:
			// Deadline passed: give already-in-flight responses one short
			// grace interval to land, then snapshot whatever settled.
			grace := time.NewTimer(settleGrace)
			for len(result.PerEndpoint) < len(endpoints) {
				select {
				case o := <-outcomes:
					record(o)
				case <-grace.C:
					break collect
				}
			}
			grace.Stop()
		}
	}

	for _, ep := range endpoints {
		if _, ok := result.PerEndpoint[ep]; !ok {
			result.PerEndpoint[ep] = relaykit.EndpointResult{
				Endpoint: ep,
				Error:    "timed out",
			}
		}
	}

	for _, r := range result.PerEndpoint {
		if r.Success {
			result.Success = true
			break
		}
	}

	completed := relaykit.SignalEvent{
		Type:    relaykit.SignalPublishCompleted,
		EventID: ev.ID,
		Payload: result,
	}
	if !result.Success {
		completed.Error = "all endpoints failed"
	}
	uc.emit(ctx, completed)

	return result, nil
}

// resolveEndpoints routes by semantic intent. Targeted notification
// (newly-added members, referenced identities) adds every endpoint
// known for each party and disables endpoint-set trimming entirely:
// the point is maximum reach to specific parties.
func (uc *PublishUsecase) resolveEndpoints(ctx context.Context, identity string, ev relaykit.Event, opts relaykit.PublishOptions) ([]string, error) {
	var base []string
	if opts.ExplicitEndpoints != nil {
		base = append(base, opts.ExplicitEndpoints...)
	} else {
		own, err := uc.directory.EndpointsFor(ctx, identity)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve own endpoints")
		}
		base = append(base, own...)
	}

	targeted := false
	appendFor := func(pubkey string) {
		eps, err := uc.directory.EndpointsFor(ctx, pubkey)
		if err != nil {
			slog.Warn(
				"failed to resolve endpoints for notification target",
				slog.String("pubkey", pubkey),
				slog.String("error", err.Error()),
				slog.String("module", "publish"),
			)
			return
		}
		base = append(base, eps...)
	}

	for _, member := range opts.NotifyNewMembers {
		targeted = true
		appendFor(member)
	}

	if opts.NotifyReferenced {
		for _, ref := range ev.TagValues("p") {
			if ref == identity {
				continue
			}
			targeted = true
			appendFor(ref)
		}
	}

	seen := make(map[string]bool, len(base))
	final := make([]string, 0, len(base))
	for _, ep := range base {
		n := relaykit.NormalizeEndpoint(ep)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		final = append(final, n)
	}

	if !targeted && opts.OptimizeEndpoints {
		final = optimizeEndpoints(final)
	}

	return final, nil
}

// optimizeEndpoints collapses the set for callers that do not need
// exhaustive distribution: one endpoint per host, capped.
func optimizeEndpoints(endpoints []string) []string {
	seenHost := make(map[string]bool, len(endpoints))
	trimmed := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		host := ep
		if u, err := url.Parse(ep); err == nil && u.Host != "" {
			host = u.Host
		}
		if seenHost[host] {
			continue
		}
		seenHost[host] = true
		trimmed = append(trimmed, ep)
		if len(trimmed) == maxOptimizedEndpoints {
			break
		}
	}
	return trimmed
}

func publishTimeout(opts relaykit.PublishOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if opts.TimeoutMs > 0 {
		return time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return defaultPublishTimeout
}

func (uc *PublishUsecase) emit(ctx context.Context, sig relaykit.SignalEvent) {
	if uc.signal == nil {
		return
	}
	if err := uc.signal.Publish(ctx, "publish", sig); err != nil {
		slog.Debug(
			"signal publish failed",
			slog.String("error", err.Error()),
			slog.String("module", "publish"),
		)
	}
}
