package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/pipeline"
	"github.com/chittyos/chittydna/internal/portability"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ObserveResponse is the response body for POST /api/v1/events.
type ObserveResponse struct {
	Status string `json:"status"`
}

// ExportRequest is the request body for POST /api/v1/export.
type ExportRequest struct {
	Privacy string              `json:"privacy"`
	Consent portability.Consent `json:"consent"`
	License portability.License `json:"license"`
}

// ImportRequest is the request body for POST /api/v1/import.
type ImportRequest struct {
	Document *portability.Document `json:"document"`
	Policy   string                `json:"policy"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleObserve(c echo.Context) error {
	var event pipeline.Event
	if err := c.Bind(&event); err != nil {
		s.logger.Warn("invalid event request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.pipeline.Observe(c.Request().Context(), event); err != nil {
		if errors.Is(err, pipeline.ErrInvalidKind) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("observe failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record event")
	}
	return c.JSON(http.StatusAccepted, ObserveResponse{Status: "accepted"})
}

// handlePhase force-runs one analysis phase. The sync phase reports its
// failures inside the result and always answers 200.
func (s *Server) handlePhase(c echo.Context) error {
	ctx := c.Request().Context()
	switch c.Param("phase") {
	case "reflect":
		result, err := s.pipeline.Reflect(ctx, true)
		if err != nil {
			s.logger.Error("reflect failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "reflect failed")
		}
		return c.JSON(http.StatusOK, result)
	case "synthesize":
		result, err := s.pipeline.Synthesize(ctx, true)
		if err != nil {
			s.logger.Error("synthesize failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "synthesize failed")
		}
		return c.JSON(http.StatusOK, result)
	case "propose":
		result, err := s.pipeline.Propose(ctx, true)
		if err != nil {
			s.logger.Error("propose failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "propose failed")
		}
		return c.JSON(http.StatusOK, result)
	case "sync":
		return c.JSON(http.StatusOK, s.pipeline.Sync(ctx))
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown phase")
	}
}

func (s *Server) handleExport(c echo.Context) error {
	var req ExportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.portability.Export(c.Request().Context(), portability.ExportOptions{
		Privacy: portability.PrivacyMode(req.Privacy),
		Consent: req.Consent,
		License: req.License,
	})
	switch {
	case errors.Is(err, portability.ErrZKUnsupported),
		errors.Is(err, portability.ErrUnknownPrivacy):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("export failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}

	if !result.Allowed {
		// Rate limited: a structured refusal, not an error.
		return c.JSON(http.StatusTooManyRequests, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleImport(c echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Document == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "document field is required")
	}

	result, err := s.portability.Import(c.Request().Context(), req.Document, portability.ImportOptions{
		Policy: portability.MergePolicy(req.Policy),
	})
	switch {
	case errors.Is(err, portability.ErrWrongType),
		errors.Is(err, portability.ErrIntegrity),
		errors.Is(err, portability.ErrNoConsent),
		errors.Is(err, portability.ErrUnknownPolicy):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("import failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "import failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleAuditVerify(c echo.Context) error {
	result, err := s.auditLog.VerifyIntegrity(c.Request().Context())
	if err != nil {
		s.logger.Error("audit verification failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleAuditStats(c echo.Context) error {
	stats, err := s.auditLog.GetStats(c.Request().Context())
	if err != nil {
		s.logger.Error("audit stats failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGoals(c echo.Context) error {
	list, err := s.goalStore.Load(c.Request().Context())
	if err != nil {
		s.logger.Error("goal listing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list goals")
	}
	return c.JSON(http.StatusOK, list)
}
