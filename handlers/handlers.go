// Package handlers exposes the reconciler over HTTP.
//
// The processor posts notifications to POST /webhooks/processor. Only the
// event id of the body is used; the event itself is fetched back from the
// processor. Responses are plain text prefixed with the request's correlation
// id. Benign outcomes (ignored, already processed, no match) answer 200 so
// the processor stops redelivering; transient failures answer 503 so it
// retries.
//
// Customers returning from a redirect payment land on GET /payments/confirm
// and are redirected to the order confirmation page, back to checkout, or
// shown an error page.
package handlers

import (
	"context"
	"errors"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arkantrust/payment-reconciler/reconcile"
)

const (
	// CorrelationHeader carries the correlation id in both directions.
	CorrelationHeader = "X-Correlation-ID"

	// TokenParam is the confirmation URL query parameter holding the payment
	// metadata token.
	TokenParam = "payment_metadata"

	// IntentParam is appended to the return URL by the processor.
	IntentParam = "payment_intent"

	// CartCookie holds the customer's active cart id.
	CartCookie = "cart_id"
)

// Reconciler is the engine behind the endpoints.
type Reconciler interface {
	HandleNotification(ctx context.Context, eventID string) (reconcile.Outcome, error)
	Confirm(ctx context.Context, req reconcile.ConfirmRequest) (reconcile.ConfirmResult, error)
	StartAttempt(ctx context.Context, req reconcile.StartRequest) (string, error)
	RecordPending(ctx context.Context, p reconcile.PendingCharge) (reconcile.Outcome, error)
}

// Handler holds the dependencies of the HTTP endpoints.
type Handler struct {
	engine          Reconciler
	checkoutURL     string
	confirmationURL string
	logger          *log.Logger
}

// New creates a Handler. checkoutURL and confirmationURL are where returning
// customers are sent.
func New(engine Reconciler, checkoutURL, confirmationURL string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		engine:          engine,
		checkoutURL:     checkoutURL,
		confirmationURL: confirmationURL,
		logger:          logger,
	}
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Payment error</title></head>
<body>
<h1>We could not complete your payment</h1>
<ul>
{{range .Messages}}<li>{{.}}</li>
{{end}}</ul>
<p><a href="{{.CheckoutURL}}">Back to checkout</a></p>
<p><small>Reference: {{.CorrelationID}}</small></p>
</body>
</html>
`))

// Router returns the gin engine serving every endpoint.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), correlation())
	r.SetHTMLTemplate(errorPage)

	r.GET("/healthz", h.health)
	r.POST("/webhooks/processor", h.webhook)

	payments := r.Group("/payments")
	{
		payments.GET("/confirm", h.confirm)
		payments.POST("/attempts", h.startAttempt)
		payments.POST("/pending", h.recordPending)
	}
	return r
}

// correlation gives every request a correlation id, reusing the caller's
// when it sends one, and echoes it in the response.
func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(CorrelationHeader, id)
		c.Request = c.Request.WithContext(reconcile.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

func cid(c *gin.Context) string {
	return reconcile.CorrelationID(c.Request.Context())
}

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type notification struct {
	ID string `json:"id"`
}

func (h *Handler) webhook(c *gin.Context) {
	var body notification
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, "%s rejected: invalid notification body", cid(c))
		return
	}

	out, err := h.engine.HandleNotification(c.Request.Context(), body.ID)
	if err != nil {
		h.logger.Printf("[%s] error: notification %s: %v", cid(c), body.ID, err)
		status := http.StatusInternalServerError
		if errors.Is(err, reconcile.ErrTransient) {
			status = http.StatusServiceUnavailable
		}
		c.String(status, "%s error: %v", cid(c), err)
		return
	}
	c.String(http.StatusOK, "%s %s", cid(c), out)
}

func (h *Handler) confirm(c *gin.Context) {
	req := reconcile.ConfirmRequest{
		Token:            c.Query(TokenParam),
		ExpectedIntentID: c.Query(IntentParam),
	}
	if raw, err := c.Cookie(CartCookie); err == nil {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			req.SessionCartID = id
		}
	}

	res, err := h.engine.Confirm(c.Request.Context(), req)
	if err != nil {
		h.logger.Printf("[%s] error: confirm: %v", cid(c), err)
		h.errorPage(c, http.StatusInternalServerError, []string{"Something went wrong while confirming your payment."})
		return
	}

	switch res.Status {
	case reconcile.Confirmed:
		c.Redirect(http.StatusFound, h.confirmationURL+"?order_id="+url.QueryEscape(strconv.FormatInt(res.OrderID, 10)))
	case reconcile.RetryCheckout:
		c.Redirect(http.StatusFound, h.checkoutURL)
	default:
		msgs := res.Messages
		if len(msgs) == 0 && res.Reason != nil {
			msgs = []string{res.Reason.Error()}
		}
		h.errorPage(c, http.StatusBadRequest, msgs)
	}
}

func (h *Handler) errorPage(c *gin.Context, status int, msgs []string) {
	c.HTML(status, "error", gin.H{
		"Messages":      msgs,
		"CheckoutURL":   h.checkoutURL,
		"CorrelationID": cid(c),
	})
}

func (h *Handler) startAttempt(c *gin.Context) {
	var req reconcile.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	token, err := h.engine.StartAttempt(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "correlationId": cid(c)})
}

func (h *Handler) recordPending(c *gin.Context) {
	var p reconcile.PendingCharge
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	out, err := h.engine.RecordPending(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	switch out.Kind {
	case reconcile.Applied:
		status = http.StatusCreated
	case reconcile.Rejected:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"outcome": out.Kind.String(),
		"orderId": out.OrderID,
		"message": out.Message,
		"errors":  out.Errors,
	})
}

// writeError maps engine errors of the JSON endpoints to status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *reconcile.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "errors": verr.Messages})
	case errors.Is(err, reconcile.ErrCartNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, reconcile.ErrUnknownMethod), errors.Is(err, reconcile.ErrInvalidAttempt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reconcile.ErrTransient):
		h.logger.Printf("[%s] error: %v", cid(c), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment processor unavailable"})
	default:
		h.logger.Printf("[%s] error: %v", cid(c), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
