package rest

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/totegamma/relaykit"
	"github.com/totegamma/relaykit/internal/config"
	"github.com/totegamma/relaykit/internal/domain"
	"github.com/totegamma/relaykit/internal/present/rest/presenter"
	"github.com/totegamma/relaykit/internal/usecase"
)

// SignalStreamer forwards signal events for subscribed channel patterns
// until the context ends.
type SignalStreamer interface {
	Realtime(ctx context.Context, request <-chan []string, response chan<- relaykit.SignalEvent)
}

type Handler struct {
	config  config.Config
	sync    *usecase.SyncUsecase
	publish *usecase.PublishUsecase
	signal  SignalStreamer
}

func NewHandler(
	config config.Config,
	sync *usecase.SyncUsecase,
	publish *usecase.PublishUsecase,
	signal SignalStreamer,
) *Handler {
	return &Handler{
		config:  config,
		sync:    sync,
		publish: publish,
		signal:  signal,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/relaykit", h.handleWellKnown)
	e.POST("/publish", h.handlePublish)
	e.GET("/entity/:uri", h.handleEntity)
	e.GET("/entities", h.handleEntities)
	e.GET("/event/:id", h.handleEvent)
	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handleWellKnown(c echo.Context) error {
	wellknown := relaykit.WellKnown{
		Version: "1.0",
		PubKey:  h.config.Identity.PubKey,
		Endpoints: map[string]string{
			"net.relaykit.publish":  "/publish",
			"net.relaykit.entity":   "/entity/{uri}",
			"net.relaykit.entities": "/entities",
			"net.relaykit.event":    "/event/{id}",
			"net.relaykit.realtime": "/realtime",
		},
	}
	return presenter.OK(c, wellknown)
}

type publishRequest struct {
	Event   relaykit.Event          `json:"event"`
	Options relaykit.PublishOptions `json:"options"`
}

func (h *Handler) handlePublish(c echo.Context) error {
	ctx := c.Request().Context()

	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}

	if req.Event.ID == "" || req.Event.PubKey == "" {
		return presenter.BadRequestMessage(c, "malformed event")
	}

	if req.Options.Timeout <= 0 && req.Options.TimeoutMs <= 0 {
		req.Options.Timeout = h.config.Network.PublishTimeout()
	}

	result, err := h.publish.Publish(ctx, h.config.Identity.PubKey, req.Event, req.Options)
	if err != nil {
		if errors.Is(err, usecase.ErrNoEndpoints) {
			return presenter.BadRequestMessage(c, "no endpoints available")
		}
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, result)
}

func (h *Handler) handleEntity(c echo.Context) error {
	ctx := c.Request().Context()

	key, err := relaykit.ParseEntityURI(c.Param("uri"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid uri")
	}

	entity, err := h.sync.Load(ctx, h.config.Identity.PubKey, key)
	if err != nil {
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, entity)
}

func (h *Handler) handleEntities(c echo.Context) error {
	ctx := c.Request().Context()

	author := c.QueryParam("author")
	if author == "" {
		author = h.config.Identity.PubKey
	}

	kind, err := strconv.Atoi(c.QueryParam("kind"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid kind parameter")
	}

	entities, err := h.sync.LoadAuthor(ctx, h.config.Identity.PubKey, author, kind)
	if err != nil {
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, entities)
}

func (h *Handler) handleEvent(c echo.Context) error {
	ctx := c.Request().Context()

	ev, err := h.sync.GetEvent(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "event not found")
		}
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, ev)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type realtimeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx := c.Request().Context()

	// The streamer and the reader goroutine exit via the request context
	// and the socket close; closing the channels here would race their
	// in-flight sends.
	input := make(chan []string)
	output := make(chan relaykit.SignalEvent)

	go h.signal.Realtime(ctx, input, output)

	quit := make(chan struct{}, 1)

	go func() {
		for {
			var req realtimeRequest
			err := ws.ReadJSON(&req)
			if err != nil {

				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}

				quit <- struct{}{}
				break
			}

			switch req.Type {
			case "listen":
				input <- req.Channels
				slog.DebugContext(
					ctx, "Socket subscribe",
					slog.Int("channels", len(req.Channels)),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
				// do nothing
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case item := <-output:
			err := ws.WriteJSON(item)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
