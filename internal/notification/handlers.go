// Package notification exposes the payment-gateway webhook endpoint.
//
// The receiver's contract with the gateway is acknowledgement, not success:
// every request that reaches the handler is answered with HTTP 200 so the
// gateway stops redelivering. What actually happened is reported in the
// response body and in logs and metrics, never in the status code. Webhook
// bodies are not authenticated, which is safe because the body is only used
// to learn a payment id; everything credited is re-fetched from the gateway
// over the authenticated API.
package notification

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/unijobs/platform/internal/logging"
	"github.com/unijobs/platform/internal/metrics"
	"github.com/unijobs/platform/internal/reconcile"
)

// Processor reconciles one payment event.
type Processor interface {
	Process(ctx context.Context, ev reconcile.Event) reconcile.Outcome
}

// ProbeInfo is what the GET probe reports about the integration's
// configuration. It carries no secrets, only whether they are present.
type ProbeInfo struct {
	GatewayConfigured bool
	GatewayBaseURL    string
}

// Handler serves the webhook endpoints.
type Handler struct {
	reconciler Processor
	probe      ProbeInfo
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler Processor, probe ProbeInfo) *Handler {
	return &Handler{reconciler: reconciler, probe: probe}
}

// RegisterRoutes mounts the webhook endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhook", h.Receive)
	rg.GET("/webhook", h.Probe)
}

// envelope is the gateway's notification body. Only the event kind and the
// resource id are read; the rest is untrusted noise.
type envelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ack is the acknowledgement body. Success mirrors whether the outcome is a
// terminal non-failure; the gateway itself only looks at the status code.
// The shape is flat and stable: outcome is the status string, with the
// payment id, account id, and credited amount alongside when known.
type ack struct {
	Success      bool   `json:"success"`
	Outcome      string `json:"outcome"`
	PaymentID    string `json:"paymentId,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	CreditsAdded int64  `json:"creditsAdded,omitempty"`
}

// Receive handles POST /webhook.
func (h *Handler) Receive(c *gin.Context) {
	var env envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		out := reconcile.Failed(reconcile.ErrorValidation, "malformed notification body", "")
		h.respond(c, out)
		return
	}

	ev := reconcile.Event{
		Kind:       strings.TrimSpace(env.Type),
		ResourceID: strings.TrimSpace(env.Data.ID),
	}
	out := h.reconciler.Process(c.Request.Context(), ev)
	h.respond(c, out)
}

func (h *Handler) respond(c *gin.Context, out reconcile.Outcome) {
	metrics.WebhookEventsTotal.WithLabelValues(string(out.Status)).Inc()
	if out.Status == reconcile.StatusFailed {
		logging.L(c.Request.Context()).Warn("webhook acknowledged with failed outcome",
			"error_kind", string(out.ErrorKind),
			"payment_id", out.PaymentID,
		)
	}
	c.JSON(http.StatusOK, ack{
		Success:      out.Status != reconcile.StatusFailed,
		Outcome:      string(out.Status),
		PaymentID:    out.PaymentID,
		AccountID:    out.AccountID,
		CreditsAdded: out.CreditsAdded,
	})
}

// Probe handles GET /webhook. Gateways (and humans) poke the URL when
// configuring the integration; the response confirms routing and reports
// whether the gateway credential is in place, without touching any state.
func (h *Handler) Probe(c *gin.Context) {
	status := "ready"
	if !h.probe.GatewayConfigured {
		status = "misconfigured"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"accepts":           "payment notifications",
		"gatewayConfigured": h.probe.GatewayConfigured,
		"gateway":           h.probe.GatewayBaseURL,
	})
}
