package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijobs/platform/internal/reconcile"
)

type stubProcessor struct {
	got     *reconcile.Event
	outcome reconcile.Outcome
}

func (s *stubProcessor) Process(ctx context.Context, ev reconcile.Event) reconcile.Outcome {
	s.got = &ev
	return s.outcome
}

func newRouter(p Processor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	probe := ProbeInfo{GatewayConfigured: true, GatewayBaseURL: "https://gateway.example.com"}
	NewHandler(p, probe).RegisterRoutes(r.Group("/"))
	return r
}

func post(t *testing.T, r *gin.Engine, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	return w, parsed
}

func TestReceivePassesEventToReconciler(t *testing.T) {
	p := &stubProcessor{outcome: reconcile.Outcome{
		Status:       reconcile.StatusCredited,
		PaymentID:    "123",
		AccountID:    "u-1",
		CreditsAdded: 10,
	}}
	r := newRouter(p)

	w, body := post(t, r, `{"type":"payment","action":"payment.updated","data":{"id":"123"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p.got)
	assert.Equal(t, "payment", p.got.Kind)
	assert.Equal(t, "123", p.got.ResourceID)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "credited", body["outcome"])
	assert.Equal(t, "123", body["paymentId"])
	assert.Equal(t, "u-1", body["accountId"])
	assert.Equal(t, float64(10), body["creditsAdded"])
}

// The acknowledgement contract: the status code is 200 no matter what the
// reconciliation produced, with the real result in the body.
func TestReceiveAlwaysAcks(t *testing.T) {
	outcomes := []reconcile.Outcome{
		{Status: reconcile.StatusCredited, PaymentID: "1", CreditsAdded: 5},
		{Status: reconcile.StatusAlreadyProcessed, PaymentID: "1"},
		{Status: reconcile.StatusIgnored, Reason: "payment status pending"},
		reconcile.Failed(reconcile.ErrorUnauthorized, "gateway rejected credentials", "1"),
		reconcile.Failed(reconcile.ErrorStore, "db down", "1"),
	}
	for _, out := range outcomes {
		t.Run(string(out.Status)+"/"+string(out.ErrorKind), func(t *testing.T) {
			r := newRouter(&stubProcessor{outcome: out})

			w, body := post(t, r, `{"type":"payment","data":{"id":"1"}}`)

			assert.Equal(t, http.StatusOK, w.Code)
			wantSuccess := out.Status != reconcile.StatusFailed
			assert.Equal(t, wantSuccess, body["success"])
			assert.Equal(t, string(out.Status), body["outcome"])
		})
	}
}

func TestReceiveMalformedBody(t *testing.T) {
	p := &stubProcessor{}
	r := newRouter(p)

	w, body := post(t, r, `{"type": "payment", "data": `)

	assert.Equal(t, http.StatusOK, w.Code, "malformed bodies are still acked")
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "failed", body["outcome"])
	assert.Nil(t, p.got, "nothing reaches the reconciler")
}

// The flat acknowledgement shape: no nested objects, optional fields
// absent rather than zero-valued.
func TestAckShape(t *testing.T) {
	p := &stubProcessor{outcome: reconcile.Ignored("payment not found", "77")}
	r := newRouter(p)

	_, body := post(t, r, `{"type":"payment","data":{"id":"77"}}`)

	assert.Equal(t, "ignored", body["outcome"])
	assert.Equal(t, "77", body["paymentId"])
	_, hasAccount := body["accountId"]
	assert.False(t, hasAccount, "accountId omitted when unknown")
	_, hasCredits := body["creditsAdded"]
	assert.False(t, hasCredits, "creditsAdded omitted when nothing was credited")
}

func TestReceiveNonPaymentEvent(t *testing.T) {
	p := &stubProcessor{outcome: reconcile.Ignored("non-payment event", "")}
	r := newRouter(p)

	w, body := post(t, r, `{"type":"plan","data":{"id":"sub-1"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	require.NotNil(t, p.got)
	assert.Equal(t, "plan", p.got.Kind)
}

func TestProbe(t *testing.T) {
	r := newRouter(&stubProcessor{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, true, body["gatewayConfigured"])
	assert.Equal(t, "https://gateway.example.com", body["gateway"])
}

func TestProbeReportsMissingCredential(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(&stubProcessor{}, ProbeInfo{GatewayConfigured: false}).RegisterRoutes(r.Group("/"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "misconfigured", body["status"])
	assert.Equal(t, false, body["gatewayConfigured"])
}
