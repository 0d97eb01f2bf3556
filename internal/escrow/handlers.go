package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/procurepay/internal/auth"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/money"
	"github.com/mbd888/procurepay/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/due", h.ListDue)
	r.GET("/payments/:id", validation.IDParamMiddleware("id"), h.GetPayment)
	r.GET("/payments/:id/transactions", validation.IDParamMiddleware("id"), h.ListTransactions)
	r.GET("/payments/:id/reconcile", validation.IDParamMiddleware("id"), h.Reconcile)
	r.GET("/parties/:partyId/payments", validation.IDParamMiddleware("partyId"), h.ListByParty)
}

// RegisterProtectedRoutes sets up the action routes. The group must run
// auth.Middleware so an actor is available.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/offline", h.SubmitOffline)

	p := r.Group("/payments/:id", validation.IDParamMiddleware("id"))
	p.POST("/confirm-delivery", h.ConfirmDelivery)
	p.POST("/delay", h.ReportDelay)
	p.POST("/dispute", h.OpenDispute)
	p.POST("/dispute/resolve", h.ResolveDispute)
	p.POST("/evidence/accept", h.AcceptEvidence)
	p.POST("/evidence/reject", h.RejectEvidence)
	p.POST("/cancel", h.Cancel)
	p.POST("/release-date", h.OverrideReleaseDate)
}

// RegisterGatewayRoutes sets up the capture notification endpoint. The group
// must be guarded by the gateway secret.
func (h *Handler) RegisterGatewayRoutes(r *gin.RouterGroup) {
	r.POST("/captures", h.Capture)
}

// Capture handles POST /v1/gateway/captures
func (h *Handler) Capture(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if errs := validation.Validate(
		validation.Required("referenceId", req.ReferenceID),
		validation.ValidID("referenceId", req.ReferenceID),
		validation.Required("payerId", req.PayerID),
		validation.ValidID("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("gatewayRef", req.GatewayRef, 255),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	p, err := h.service.OnCaptureConfirmed(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// SubmitOffline handles POST /v1/payments/offline
func (h *Handler) SubmitOffline(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req OfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	validators := []func() *validation.ValidationError{
		validation.Required("referenceId", req.ReferenceID),
		validation.ValidID("referenceId", req.ReferenceID),
		validation.Required("payerId", req.PayerID),
		validation.ValidID("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.PositiveAmount("amount", req.Amount),
	}
	for _, ref := range req.EvidenceRefs {
		validators = append(validators, validation.MaxLength("evidenceRefs", ref, 1024))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	p, err := h.service.SubmitOfflineEvidence(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// ActionRequest is the body shared by the action endpoints. Each endpoint
// reads only the fields it needs.
type ActionRequest struct {
	Reason    string    `json:"reason"`
	Notes     string    `json:"notes"`
	Outcome   Outcome   `json:"outcome"`
	ReleaseAt time.Time `json:"releaseAt"`
}

// ConfirmDelivery handles POST /v1/payments/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		return h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), actor, req.Notes)
	})
}

// ReportDelay handles POST /v1/payments/:id/delay
func (h *Handler) ReportDelay(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		return h.service.ReportDelay(c.Request.Context(), c.Param("id"), actor, req.Reason)
	})
}

// OpenDispute handles POST /v1/payments/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		return h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor, req.Reason)
	})
}

// ResolveDispute handles POST /v1/payments/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		if errs := validation.Validate(
			validation.Required("outcome", string(req.Outcome)),
			validation.OneOf("outcome", string(req.Outcome), string(OutcomeFavorPayee), string(OutcomeFavorPayer)),
		); len(errs) > 0 {
			return nil, errs
		}
		return h.service.ResolveDispute(c.Request.Context(), c.Param("id"), actor, req.Outcome, req.Notes)
	})
}

// AcceptEvidence handles POST /v1/payments/:id/evidence/accept
func (h *Handler) AcceptEvidence(c *gin.Context) {
	h.action(c, func(actor Actor, _ ActionRequest) (*Payment, error) {
		return h.service.AcceptOfflineEvidence(c.Request.Context(), c.Param("id"), actor)
	})
}

// RejectEvidence handles POST /v1/payments/:id/evidence/reject
func (h *Handler) RejectEvidence(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		return h.service.RejectOfflineEvidence(c.Request.Context(), c.Param("id"), actor, req.Reason)
	})
}

// Cancel handles POST /v1/payments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		return h.service.AdministrativeCancel(c.Request.Context(), c.Param("id"), actor, req.Reason)
	})
}

// OverrideReleaseDate handles POST /v1/payments/:id/release-date
func (h *Handler) OverrideReleaseDate(c *gin.Context) {
	h.action(c, func(actor Actor, req ActionRequest) (*Payment, error) {
		if req.ReleaseAt.IsZero() {
			return nil, validation.ValidationErrors{{Field: "releaseAt", Message: "is required (RFC3339)"}}
		}
		return h.service.OverrideReleaseDate(c.Request.Context(), c.Param("id"), actor, req.ReleaseAt, req.Reason)
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListTransactions handles GET /v1/payments/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	entries, err := h.service.ListTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
	})
}

// Reconcile handles GET /v1/payments/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

// ListDue handles GET /v1/payments/due?before=RFC3339&limit=N
func (h *Handler) ListDue(c *gin.Context) {
	before := time.Now()
	if b := c.Query("before"); b != "" {
		t, err := time.Parse(time.RFC3339, b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "before must be an RFC3339 timestamp",
			})
			return
		}
		before = t
	}
	limit := queryLimit(c, 100, 500)

	due, err := h.service.ListDue(c.Request.Context(), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": due,
		"count":    len(due),
	})
}

// ListByParty handles GET /v1/parties/:partyId/payments?limit=N&cursor=C
func (h *Handler) ListByParty(c *gin.Context) {
	limit := queryLimit(c, 50, 200)
	page, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   page.Payments,
		"count":      len(page.Payments),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

func (h *Handler) action(c *gin.Context, run func(actor Actor, req ActionRequest) (*Payment, error)) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req ActionRequest
	// Bodies are optional for confirm/accept.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badBody(c, err)
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
		validation.MaxLength("notes", req.Notes, validation.MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxReasonLength)
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxReasonLength)

	p, err := run(actor, req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			validationFailed(c, verrs)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func requireActor(c *gin.Context) (Actor, bool) {
	id, role, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "actor identity required",
		})
		return Actor{}, false
	}
	return Actor{ID: id, Role: Role(role)}, true
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func badBody(c *gin.Context, err error) {
	msg := "Invalid request body"
	switch {
	case errors.Is(err, money.ErrInvalidFormat), errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrNegative), errors.Is(err, money.ErrOverflow):
		msg = "amount: " + err.Error()
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Internal error"

	switch {
	case errors.Is(err, ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrForbidden):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrInvalidAmount):
		status, code, msg = http.StatusBadRequest, "invalid_amount", err.Error()
	case errors.Is(err, ErrReasonRequired):
		status, code, msg = http.StatusBadRequest, "reason_required", err.Error()
	case errors.Is(err, ErrMissingEvidence):
		status, code, msg = http.StatusBadRequest, "missing_evidence", err.Error()
	case errors.Is(err, ErrSameParty):
		status, code, msg = http.StatusBadRequest, "same_party", err.Error()
	case errors.Is(err, ErrInvalidRequest):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, ErrAlreadyTerminal):
		status, code, msg = http.StatusConflict, "already_terminal", err.Error()
	case errors.Is(err, ErrReleaseNotDue):
		status, code, msg = http.StatusConflict, "release_not_due", err.Error()
	case errors.Is(err, ErrInvalidTransition):
		status, code, msg = http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, ErrConcurrentModification):
		status, code, msg = http.StatusConflict, "concurrent_modification", err.Error()
	case errors.Is(err, ErrDuplicateReference):
		status, code, msg = http.StatusConflict, "duplicate_reference", err.Error()
	case errors.Is(err, ErrDuplicateCapture):
		status, code, msg = http.StatusConflict, "duplicate_capture", err.Error()
	default:
		logging.L(c.Request.Context()).Error("escrow request failed",
			"path", c.FullPath(), logging.FieldError, err)
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
