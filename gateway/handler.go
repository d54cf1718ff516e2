package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/pkg/router"
)

var errBadQuery = errors.New("bad query parameter")

// Handler exposes a Manager over HTTP.
type Handler struct {
	manager    *Manager
	auth       Authenticator
	transcript TranscriptStore
	logger     *slog.Logger
}

// NewHandler builds the HTTP handler of the gateway. transcript may be nil,
// the message history route then answers 404.
func NewHandler(manager *Manager, auth Authenticator, transcript TranscriptStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:    manager,
		auth:       auth,
		transcript: transcript,
		logger:     logger,
	}
}

// Routes registers the gateway routes and their error mappers on r.
func (h *Handler) Routes(r *router.Router) {
	r.RegisterErrorMapper(ErrBadIdentity, router.StatusError(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrInvalidRoomContext, router.StatusError(http.StatusBadRequest))
	r.RegisterErrorMapper(errBadQuery, router.StatusError(http.StatusBadRequest))
	r.RegisterErrorMapper(ErrUnauthorized, func(error) router.JsonError {
		return router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	})
	r.RegisterErrorMapper(ErrManagerClosed, router.StatusError(http.StatusServiceUnavailable))

	r.Get("/ws", h.ConnectHandler)
	r.Get("/healthz", h.HealthHandler)
	r.Route("/rooms/{roomID}", func(r *router.Router) {
		r.Get("/members", h.MembersHandler)
		r.Get("/messages", h.MessagesHandler)
	})
}

func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		return err
	}
	if err := h.manager.Connect(identity, w, r); err != nil {
		if errors.Is(err, ErrManagerClosed) {
			return err
		}
		// the upgrader has replied already
		h.logger.Warn(err.Error())
	}
	return nil
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) error {
	return router.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) MembersHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := chi.URLParam(r, "roomID")
	if _, err := core.ParseRoomID(roomID); err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, h.manager.Members(roomID))
}

func (h *Handler) MessagesHandler(w http.ResponseWriter, r *http.Request) error {
	if h.transcript == nil {
		return router.NotFound
	}
	roomID := chi.URLParam(r, "roomID")
	if _, err := core.ParseRoomID(roomID); err != nil {
		return err
	}

	offset, err := intQuery(r, "offset")
	if err != nil {
		return err
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		return err
	}

	records, err := h.transcript.List(r.Context(), roomID, offset, limit)
	if err != nil {
		return fmt.Errorf("List: %w", err)
	}
	return router.JSON(w, http.StatusOK, records)
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non negative integer", errBadQuery, key)
	}
	return v, nil
}
