package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/config"
	"github.com/totegamma/relaykit/internal/domain"
	"github.com/totegamma/relaykit/internal/usecase"
)

// --- mocks ---

type mockStore struct {
	events []relaykit.Event
}

func (m *mockStore) GetByKey(ctx context.Context, key relaykit.IdentityKey) ([]relaykit.Event, error) {
	var matched []relaykit.Event
	for _, ev := range m.events {
		if relaykit.IdentityKeyOf(ev) == key {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func (m *mockStore) GetByAuthor(ctx context.Context, pubkey string, kind int) ([]relaykit.Event, error) {
	var matched []relaykit.Event
	for _, ev := range m.events {
		if ev.PubKey == pubkey && ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func (m *mockStore) GetByID(ctx context.Context, id string) (*relaykit.Event, error) {
	for _, ev := range m.events {
		if ev.ID == id {
			return &ev, nil
		}
	}
	return nil, domain.NotFoundError{Resource: "event"}
}

func (m *mockStore) Upsert(ctx context.Context, ev relaykit.Event) error { return nil }
func (m *mockStore) Delete(ctx context.Context, id string) error         { return nil }

type mockTransport struct{}

func (m *mockTransport) Send(ctx context.Context, endpoint string, ev relaykit.Event) error {
	return nil
}

func (m *mockTransport) Query(ctx context.Context, endpoints []string, filter relaykit.Filter) ([]relaykit.Event, error) {
	return nil, nil
}

type blockingTransport struct{}

func (b *blockingTransport) Send(ctx context.Context, endpoint string, ev relaykit.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingTransport) Query(ctx context.Context, endpoints []string, filter relaykit.Filter) ([]relaykit.Event, error) {
	return nil, nil
}

type mockDirectory struct {
	endpoints map[string][]string
}

func (m *mockDirectory) EndpointsFor(ctx context.Context, pubkey string) ([]string, error) {
	return m.endpoints[pubkey], nil
}

type mockStreamer struct{}

func (m *mockStreamer) Realtime(ctx context.Context, request <-chan []string, response chan<- relaykit.SignalEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case patterns, ok := <-request:
			if !ok {
				return
			}
			for _, pattern := range patterns {
				select {
				case response <- relaykit.SignalEvent{Type: relaykit.SignalEntityUpdated, URI: pattern}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

type mockDecrypt struct{}

func (m *mockDecrypt) TryDecrypt(ctx context.Context, payload string, identity string) (string, error) {
	return "", usecase.ErrDecryptUnavailable
}

// --- tests ---

func testHandler(directory *mockDirectory, store *mockStore) *Handler {
	return testHandlerWithSignal(directory, store, nil)
}

func testHandlerWithSignal(directory *mockDirectory, store *mockStore, signal SignalStreamer) *Handler {
	cfg := config.Config{Identity: config.Identity{PubKey: "pkself"}}
	transport := &mockTransport{}
	syncUC := usecase.NewSyncUsecase(store, transport, directory, &mockDecrypt{}, nil)
	publishUC := usecase.NewPublishUsecase(transport, directory, nil)
	return NewHandler(cfg, syncUC, publishUC, signal)
}

func TestHandlePublish(t *testing.T) {
	directory := &mockDirectory{endpoints: map[string][]string{
		"pkself": {"https://relay.example"},
	}}
	h := testHandler(directory, &mockStore{})

	e := echo.New()
	h.RegisterRoutes(e)

	body, _ := json.Marshal(publishRequest{
		Event: relaykit.Event{
			ID:        "ev1",
			PubKey:    "pkself",
			Kind:      relaykit.KindNote,
			CreatedAt: time.Now().Unix(),
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result relaykit.PublishResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestHandlePublishNoEndpoints(t *testing.T) {
	h := testHandler(&mockDirectory{}, &mockStore{})

	e := echo.New()
	h.RegisterRoutes(e)

	body, _ := json.Marshal(publishRequest{
		Event: relaykit.Event{ID: "ev1", PubKey: "pkself", Kind: relaykit.KindNote},
	})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEntity(t *testing.T) {
	store := &mockStore{events: []relaykit.Event{{
		ID:        "ev1",
		PubKey:    "pkself",
		Kind:      relaykit.KindPlaylist,
		CreatedAt: 100,
		Tags:      []relaykit.Tag{{"d", "mix"}, {"p", "member1"}},
	}}}
	h := testHandler(&mockDirectory{}, store)

	e := echo.New()
	h.RegisterRoutes(e)

	uri := url.QueryEscape("rk://pkself/32100/mix")
	req := httptest.NewRequest(http.MethodGet, "/entity/"+uri, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var entity domain.Entity
	if err := json.Unmarshal(rec.Body.Bytes(), &entity); err != nil {
		t.Fatalf("failed to decode entity: %v", err)
	}
	if len(entity.Members) != 1 || entity.Members[0].PubKey != "member1" {
		t.Fatalf("unexpected entity: %+v", entity)
	}
}

func TestHandleEvent(t *testing.T) {
	store := &mockStore{events: []relaykit.Event{{
		ID:     "ev1",
		PubKey: "pkself",
		Kind:   relaykit.KindNote,
	}}}
	h := testHandler(&mockDirectory{}, store)

	e := echo.New()
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/event/ev1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var ev relaykit.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.ID != "ev1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	req = httptest.NewRequest(http.MethodGet, "/event/missing", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlePublishDefaultsTimeoutFromConfig(t *testing.T) {
	cfg := config.Config{
		Identity: config.Identity{PubKey: "pkself"},
		Network:  config.Network{PublishTimeoutMs: 200},
	}
	directory := &mockDirectory{endpoints: map[string][]string{
		"pkself": {"https://relay.example"},
	}}
	transport := &blockingTransport{}
	syncUC := usecase.NewSyncUsecase(&mockStore{}, transport, directory, &mockDecrypt{}, nil)
	publishUC := usecase.NewPublishUsecase(transport, directory, nil)
	h := NewHandler(cfg, syncUC, publishUC, nil)

	e := echo.New()
	h.RegisterRoutes(e)

	body, _ := json.Marshal(publishRequest{
		Event: relaykit.Event{ID: "ev1", PubKey: "pkself", Kind: relaykit.KindNote},
	})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	start := time.Now()
	e.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	// a hung endpoint must be cut off by the configured timeout, not the
	// built-in 10s default
	if elapsed > 3*time.Second {
		t.Fatalf("publish ignored configured timeout, took %v", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result relaykit.PublishResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.PerEndpoint["https://relay.example"].Error != "timed out" {
		t.Fatalf("unexpected endpoint result: %+v", result.PerEndpoint)
	}
}

func TestHandleRealtime(t *testing.T) {
	h := testHandlerWithSignal(&mockDirectory{}, &mockStore{}, &mockStreamer{})

	e := echo.New()
	h.RegisterRoutes(e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	err = conn.WriteJSON(realtimeRequest{Type: "listen", Channels: []string{"entity:pk1/3"}})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event relaykit.SignalEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if event.URI != "entity:pk1/3" {
		t.Fatalf("unexpected event: %+v", event)
	}

	// closing right after a delivery exercises the teardown path
	conn.Close()
	time.Sleep(50 * time.Millisecond)
}

func TestHandleEntityInvalidURI(t *testing.T) {
	h := testHandler(&mockDirectory{}, &mockStore{})

	e := echo.New()
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/entity/"+url.QueryEscape("https://nope"), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
