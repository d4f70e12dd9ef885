package worker

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"labpipeline/internal/model"
)

// ResultLister reads persisted results for the ops endpoints.
type ResultLister interface {
	Ping(ctx context.Context) error
	ListRecent(ctx context.Context, limit int) ([]model.LabResult, error)
}

type testValueResponse struct {
	TestCode       string   `json:"test_code"`
	TestName       string   `json:"test_name"`
	Value          *float64 `json:"value"`
	Unit           string   `json:"unit"`
	ReferenceRange string   `json:"reference_range"`
	IsAbnormal     bool     `json:"is_abnormal"`
	Severity       string   `json:"severity"`
}

type labResultResponse struct {
	ID                 int64               `json:"id"`
	IngestID           string              `json:"result_id"`
	PatientID          string              `json:"patient_id"`
	LabID              string              `json:"lab_id"`
	LabName            string              `json:"lab_name"`
	TestType           string              `json:"test_type"`
	TestDate           string              `json:"test_date"`
	Status             string              `json:"status"`
	SourceFormat       string              `json:"source_format"`
	RawObjectKey       string              `json:"raw_object_key"`
	ProcessedObjectKey *string             `json:"processed_object_key"`
	CreatedAt          string              `json:"created_at"`
	TestValues         []testValueResponse `json:"test_values"`
}

const maxListLimit = 500

type OpsHandler struct {
	results ResultLister
}

func NewOpsHandler(results ResultLister) *OpsHandler {
	return &OpsHandler{results: results}
}

// RegisterRoutes mounts the read-only result routes on the supplied group.
func (h *OpsHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/results", h.listResults)
}

func (h *OpsHandler) health(c echo.Context) error {
	if err := h.results.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OpsHandler) listResults(c echo.Context) error {
	limitStr := c.QueryParam("limit")
	if limitStr == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing 'limit' query parameter"})
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid 'limit' parameter - must be a positive integer up to " + strconv.Itoa(maxListLimit),
		})
	}

	rows, err := h.results.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database error"})
	}

	return c.JSON(http.StatusOK, lo.Map(rows, func(r model.LabResult, _ int) labResultResponse {
		return labResultResponse{
			ID:                 r.ID,
			IngestID:           r.IngestID,
			PatientID:          r.PatientID,
			LabID:              r.LabID,
			LabName:            r.LabName,
			TestType:           r.TestType,
			TestDate:           r.TestDate.UTC().Format(time.RFC3339),
			Status:             string(r.Status),
			SourceFormat:       r.SourceFormat,
			RawObjectKey:       r.RawObjectKey,
			ProcessedObjectKey: r.ProcessedObjectKey,
			CreatedAt:          r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			TestValues: lo.Map(r.TestValues, func(v model.TestValue, _ int) testValueResponse {
				return testValueResponse{
					TestCode:       v.TestCode,
					TestName:       v.TestName,
					Value:          v.Value,
					Unit:           v.Unit,
					ReferenceRange: v.ReferenceRange,
					IsAbnormal:     v.IsAbnormal,
					Severity:       v.Severity,
				}
			}),
		}
	}))
}

// NewOpsServer builds the worker's health and results server.
func NewOpsServer(h *OpsHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", h.health)
	h.RegisterRoutes(e.Group("/v1"))
	return e
}
