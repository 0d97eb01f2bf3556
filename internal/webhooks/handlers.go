package webhooks

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store    Store
	now      func() time.Time
	urlCheck func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// WithURLCheck adds a check run on every new subscription URL, typically
// security.ValidateEndpointURL to keep deliveries off internal networks.
func (h *Handler) WithURLCheck(check func(string) error) *Handler {
	h.urlCheck = check
	return h
}

// RegisterRoutes sets up webhook routes. The group should be restricted to
// admins.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", validation.IDParamMiddleware("webhookId"), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL     string   `json:"url" binding:"required"`
	Events  []string `json:"events" binding:"required"`
	PartyID string   `json:"partyId"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validURL("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	}
	if req.PartyID != "" {
		validators = append(validators, validation.ValidID("partyId", req.PartyID))
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !et.Valid() {
			validators = append(validators, func() *validation.ValidationError {
				return &validation.ValidationError{Field: "events", Message: "unknown event type " + e}
			})
			continue
		}
		events = append(events, et)
	}
	if len(req.Events) == 0 {
		validators = append(validators, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "events", Message: "at least one event is required"}
		})
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if h.urlCheck != nil {
		if err := h.urlCheck(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": err.Error(),
			})
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.WebhookPrefix),
		PartyID:   req.PartyID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("webhook create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func validURL(field, raw string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return &validation.ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}
