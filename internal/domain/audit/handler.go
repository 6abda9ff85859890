package audit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dka/dka/internal/domain/episode"
	"github.com/dka/dka/internal/platform/httperr"
	"github.com/dka/dka/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public calculator endpoints on the root and the
// registry read API on the (auth-gated) api group.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.POST("/calculate", h.Calculate)
	e.POST("/update", h.Update)

	api.GET("/records", h.ListRecords)
	api.GET("/records/:id", h.GetRecord)
}

type calculateResponse struct {
	AuditID      string                `json:"audit_id"`
	Calculations *episode.Calculations `json:"calculations"`
}

func (h *Handler) Calculate(c echo.Context) error {
	sub := new(episode.Submission)
	if err := c.Bind(sub); err != nil {
		return httperr.Validation("request body is not a valid submission")
	}

	if violations := sub.Validate(); len(violations) > 0 {
		return httperr.Validation("submission failed validation", violations...)
	}

	rec, err := h.svc.Create(c.Request().Context(), sub, c.RealIP())
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return httperr.Domain("submission rejected by clinical validation", domainErr.Rules...)
		}
		return err
	}

	return c.JSON(http.StatusOK, calculateResponse{
		AuditID:      rec.ID.String(),
		Calculations: &rec.Calculations,
	})
}

type updateRequest struct {
	AuditID            string   `json:"audit_id"`
	PatientHash        string   `json:"patient_hash"`
	PreventableFactors []string `json:"preventable_factors"`
}

type updateResponse struct {
	Message        string `json:"message"`
	AmendmentCount int    `json:"amendment_count"`
}

func (h *Handler) Update(c echo.Context) error {
	req := new(updateRequest)
	if err := c.Bind(req); err != nil {
		return httperr.Validation("request body is not a valid update")
	}

	var violations []string
	if req.AuditID == "" {
		violations = append(violations, "audit_id is required")
	}
	if req.PatientHash == "" {
		violations = append(violations, "patient_hash is required")
	}
	if req.PreventableFactors == nil {
		violations = append(violations, "preventable_factors is required (send an empty list for none)")
	}
	if len(violations) > 0 {
		return httperr.Validation("update failed validation", violations...)
	}

	id, err := uuid.Parse(req.AuditID)
	if err != nil {
		return httperr.Validation("audit_id is not a valid identifier")
	}

	rec, err := h.svc.Amend(c.Request().Context(), id, req.PatientHash, req.PreventableFactors)
	switch {
	case errors.Is(err, ErrNotFound):
		return httperr.NotFound(fmt.Sprintf("audit record %s not found", id))
	case errors.Is(err, ErrIdentityMismatch):
		return httperr.IdentityMismatch(fmt.Sprintf("identity verification failed for audit record %s", id))
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, updateResponse{
		Message:        fmt.Sprintf("audit record %s amended", id),
		AmendmentCount: rec.AmendmentCount,
	})
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRecords(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.Validation("invalid record id")
	}

	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return httperr.NotFound(fmt.Sprintf("audit record %s not found", id))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}
