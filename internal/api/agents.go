package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/live-demo/internal/store"
)

type agentRequest struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (r agentRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return badRequest("name is required")
	}
	return nil
}

var success = map[string]bool{"success": true}

func (h *Handlers) listAgents(c echo.Context) error {
	agents, err := h.store.ListAgents(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agents)
}

func (h *Handlers) createAgent(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if err := req.validate(); err != nil {
		return err
	}
	a, err := h.store.CreateAgent(c.Request().Context(), store.Agent{
		Name:        req.Name,
		Role:        req.Role,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handlers) getAgent(c echo.Context) error {
	a, err := h.store.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handlers) updateAgent(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if err := req.validate(); err != nil {
		return err
	}
	a, err := h.store.UpdateAgent(c.Request().Context(), store.Agent{
		ID:          c.Param("id"),
		Name:        req.Name,
		Role:        req.Role,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handlers) deleteAgent(c echo.Context) error {
	if err := h.store.DeleteAgent(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, success)
}

func (h *Handlers) listKnowledge(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.store.GetAgent(ctx, id); err != nil {
		return httpError(err)
	}
	docs, err := h.store.AgentDocuments(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handlers) attachKnowledge(c echo.Context) error {
	var req struct {
		DocID string `json:"docId"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.DocID == "" {
		return badRequest("docId is required")
	}
	if err := h.store.Attach(c.Request().Context(), c.Param("id"), req.DocID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, success)
}

func (h *Handlers) detachKnowledge(c echo.Context) error {
	docID := c.QueryParam("docId")
	if docID == "" {
		return badRequest("docId param is required")
	}
	if err := h.store.Detach(c.Request().Context(), c.Param("id"), docID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, success)
}

// trainAgent rebuilds the agent's system prompt from its attached knowledge.
func (h *Handlers) trainAgent(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := h.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	docs, err := h.store.AgentDocuments(ctx, a.ID)
	if err != nil {
		return err
	}
	res, err := h.enrich.Train(ctx, a, docs)
	if err != nil {
		h.log.Error().Err(err).Str("agent_id", a.ID).Msg("training failed")
		return httpError(err)
	}
	if err := h.store.MarkTrained(ctx, a.ID, res.SystemPrompt); err != nil {
		return httpError(err)
	}
	h.log.Info().Str("agent_id", a.ID).Int("docs", len(docs)).Msg("agent trained")
	return c.JSON(http.StatusOK, map[string]any{"success": true, "summary": res.Summary})
}
