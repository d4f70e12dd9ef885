package gateway

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/normalize"
)

// FileAdapter normalizes a raw lab file and forwards the canonical record
// for ingestion.
type FileAdapter interface {
	Direct(ctx context.Context, format model.SourceFormat, body string) (*Accepted, error)
}

type Handler struct {
	gateway *Gateway
	adapter FileAdapter
}

// NewHandler serves the gateway over HTTP. adapter may be nil, in which case
// the adapter routes are not mounted.
func NewHandler(g *Gateway, adapter FileAdapter) *Handler {
	return &Handler{gateway: g, adapter: adapter}
}

// RegisterRoutes mounts the ingest routes on the supplied Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/results", h.handleIngest)
	if h.adapter != nil {
		g.POST("/adapters/:format", h.handleAdapter)
	}
}

func (h *Handler) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	format := headerFormat(map[string]string{SourceFormatHeader: c.Request().Header.Get(SourceFormatHeader)})
	accepted, err := h.gateway.Ingest(c.Request().Context(), body, IngestOptions{SourceFormat: format})

	resp := h.gateway.Respond(accepted, err)
	return c.JSON(resp.StatusCode, resp.Body)
}

func (h *Handler) handleAdapter(c echo.Context) error {
	format, err := normalize.ParseFormat(c.Param("format"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	accepted, err := h.adapter.Direct(c.Request().Context(), format, string(body))
	if failure.ClassOf(err) == failure.Permanent {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}

	resp := h.gateway.Respond(accepted, err)
	return c.JSON(resp.StatusCode, resp.Body)
}

// NewServer builds the Echo instance for the ingest gateway.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	h.RegisterRoutes(e.Group("/v1"))
	return e
}
