package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/live-demo/internal/metrics"
	"github.com/chadiek/live-demo/internal/provision"
	"github.com/chadiek/live-demo/internal/store"
)

const provisionTimeout = 10 * time.Second

func newSessionID() string {
	id := uuid.New()
	return "sess_" + hex.EncodeToString(id[:])[:12]
}

func toWire(ss store.Session) provision.Session {
	return provision.Session{
		ID:         ss.ID,
		AgentID:    ss.AgentID,
		BuyerName:  ss.BuyerName,
		BuyerEmail: ss.BuyerEmail,
		Language:   ss.Language,
		Mode:       ss.Mode,
		Transport:  ss.Transport,
		Status:     ss.Status,
		Token:      ss.Token,
		Endpoint:   ss.Endpoint,
		ICEServers: ss.ICEServers,
		CreatedAt:  ss.CreatedAt,
		StartedAt:  ss.StartedAt,
		EndedAt:    ss.EndedAt,
		ExpiresAt:  ss.ExpiresAt,
	}
}

func (h *Handlers) startSession(c echo.Context) error {
	var req provision.StartRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.AgentID == "" {
		return badRequest("agentId is required")
	}
	if req.Language == "" {
		req.Language = "en-IN"
	}
	if req.Mode == "" {
		req.Mode = "instant"
	}
	switch req.Transport {
	case "":
		req.Transport = provision.BindingRTC
	case provision.BindingRTC, provision.BindingSocket:
	default:
		return badRequest("unknown transport " + req.Transport)
	}

	ctx := c.Request().Context()
	if _, err := h.store.GetAgent(ctx, req.AgentID); err != nil {
		metrics.APISessions.WithLabelValues("rejected").Inc()
		return httpError(err)
	}
	ss, err := h.store.CreateSession(ctx, store.Session{
		ID:         newSessionID(),
		AgentID:    req.AgentID,
		BuyerName:  req.BuyerName,
		BuyerEmail: req.BuyerEmail,
		Language:   req.Language,
		Mode:       req.Mode,
		Transport:  req.Transport,
		Status:     provision.StatusProvisioning,
	})
	if err != nil {
		return err
	}
	metrics.APISessions.WithLabelValues("accepted").Inc()
	h.log.Info().Str("session_id", ss.ID).Str("agent_id", ss.AgentID).Str("transport", ss.Transport).Msg("provisioning session")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.provision(ss)
	}()
	return c.JSON(http.StatusOK, toWire(ss))
}

// provision issues the connection token and endpoint for ss.
func (h *Handlers) provision(ss store.Session) {
	ctx, cancel := context.WithTimeout(h.ctx, provisionTimeout)
	defer cancel()

	endpoint, ice := h.endpoints.RTC, h.endpoints.ICEServers
	if ss.Transport == provision.BindingSocket {
		endpoint, ice = h.endpoints.Socket, ""
	}
	if endpoint == "" {
		h.failSession(ctx, ss.ID, errors.New("no agent endpoint for transport "+ss.Transport))
		return
	}
	err := h.store.MarkReady(ctx, ss.ID, uuid.NewString(), endpoint, ice, h.now().Add(h.ttl))
	if err != nil {
		h.failSession(ctx, ss.ID, err)
		return
	}
	metrics.APISessions.WithLabelValues("ready").Inc()
	h.log.Info().Str("session_id", ss.ID).Msg("session ready")
}

func (h *Handlers) failSession(ctx context.Context, id string, cause error) {
	metrics.APISessions.WithLabelValues("failed").Inc()
	h.log.Error().Err(cause).Str("session_id", id).Msg("session provisioning failed")
	if err := h.store.Finish(ctx, id, provision.StatusFailed); err != nil {
		h.log.Warn().Err(err).Str("session_id", id).Msg("mark session failed")
	}
}

func (h *Handlers) sessionStatus(c echo.Context) error {
	ss, err := h.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, provision.StatusResponse{
		SessionID:  ss.ID,
		Status:     ss.Status,
		Token:      ss.Token,
		Endpoint:   ss.Endpoint,
		ICEServers: ss.ICEServers,
	})
}

func (h *Handlers) endSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Finish(c.Request().Context(), id, provision.StatusCompleted); err != nil {
		return httpError(err)
	}
	h.log.Info().Str("session_id", id).Msg("session ended")
	return c.JSON(http.StatusOK, map[string]string{"message": "Session ended successfully"})
}

func (h *Handlers) getSession(c echo.Context) error {
	ss, err := h.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toWire(ss))
}
