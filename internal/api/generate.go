package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/live-demo/internal/enrich"
)

func (h *Handlers) generate(c echo.Context) error {
	var req enrich.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return badRequest("prompt is required")
	}
	out, err := h.enrich.Generate(c.Request().Context(), req)
	if err != nil {
		h.log.Error().Err(err).Msg("generation failed")
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"optimizedPrompt": out})
}
