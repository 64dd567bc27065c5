package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/ratelimit"
)

const (
	defaultTimeout = 10 * time.Second
	quotaKey       = "marketplace"
	openStatuses   = "NEW,PROCESSING"
	maxMessageLen  = 256
	invalidCode    = "invalid_code"
)

// TokenProvider supplies the bearer token. Acquiring it is someone else's job.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (string, bool)
}

type StaticToken string

func (t StaticToken) CurrentToken(context.Context) (string, bool) {
	return string(t), strings.TrimSpace(string(t)) != ""
}

type OrderPage struct {
	Orders     []domain.Order `json:"orders"`
	Page       int            `json:"page"`
	Size       int            `json:"size"`
	TotalPages int            `json:"totalPages"`
}

type SMSResponse struct {
	MessageID string `json:"messageId"`
	ExpiresIn int    `json:"expiresIn"`
}

// ConfirmResponse is the marketplace verdict on a confirmation code.
// Accepted=false means the code was wrong, which is not an error.
type ConfirmResponse struct {
	Accepted bool
	Status   string
	Message  string
}

type statusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

type smsRequest struct {
	OrderID       string `json:"orderId"`
	CustomerPhone string `json:"customerPhone"`
}

type confirmRequest struct {
	OrderID          string `json:"orderId"`
	ConfirmationCode string `json:"confirmationCode"`
}

type confirmBody struct {
	Success *bool  `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type Option func(*Client)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRestyClient replaces the underlying client; its retries are disabled.
func WithRestyClient(rc *resty.Client) Option {
	return func(c *Client) { c.http = rc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client performs exactly one HTTP exchange per call and maps the outcome to
// executor errors. Retrying is the executor's job.
type Client struct {
	http    *resty.Client
	baseURL string
	tokens  TokenProvider
	limiter ratelimit.Limiter
	logger  *zap.Logger
	timeout time.Duration
}

func NewClient(baseURL string, tokens TokenProvider, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("marketplace base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid marketplace base url: %w", err)
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}

	c := &Client{
		baseURL: base,
		tokens:  tokens,
		logger:  zap.NewNop(),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = resty.New()
	}
	c.http.SetTimeout(c.timeout)
	c.http.SetRetryCount(0)
	c.http.SetHeader("Accept", "application/json")
	return c, nil
}

// ListOrders fetches one page of orders in status NEW or PROCESSING.
func (c *Client) ListOrders(ctx context.Context, page, size int) (OrderPage, error) {
	req, err := c.request(ctx)
	if err != nil {
		return OrderPage{}, err
	}

	resp, err := req.
		SetQueryParam("status", openStatuses).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("size", strconv.Itoa(size)).
		Get(c.baseURL + "/orders")
	if err != nil {
		return OrderPage{}, transportError(ctx, err)
	}
	if xerr := statusError(resp); xerr != nil {
		return OrderPage{}, xerr
	}

	var out OrderPage
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return OrderPage{}, executor.Decoding(fmt.Errorf("orders page %d: %w", page, err))
	}
	return out, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, externalID string, status domain.OrderStatus) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(statusRequest{Status: status}).
		Patch(c.orderURL(externalID, "status"))
	if err != nil {
		return transportError(ctx, err)
	}
	if xerr := statusError(resp); xerr != nil {
		return xerr
	}
	return nil
}

func (c *Client) RequestSMS(ctx context.Context, externalID, phone string) (SMSResponse, error) {
	req, err := c.request(ctx)
	if err != nil {
		return SMSResponse{}, err
	}

	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(smsRequest{OrderID: externalID, CustomerPhone: phone}).
		Post(c.orderURL(externalID, "request-sms"))
	if err != nil {
		return SMSResponse{}, transportError(ctx, err)
	}
	if xerr := statusError(resp); xerr != nil {
		return SMSResponse{}, xerr
	}

	var out SMSResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return SMSResponse{}, executor.Decoding(fmt.Errorf("sms response for %s: %w", externalID, err))
	}
	return out, nil
}

// ConfirmDelivery submits the customer's code. An invalid code is reported as
// ConfirmResponse{Accepted: false}; errors are reserved for system faults.
func (c *Client) ConfirmDelivery(ctx context.Context, externalID, code string) (ConfirmResponse, error) {
	req, err := c.request(ctx)
	if err != nil {
		return ConfirmResponse{}, err
	}

	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(confirmRequest{OrderID: externalID, ConfirmationCode: code}).
		Post(c.orderURL(externalID, "confirm-delivery"))
	if err != nil {
		return ConfirmResponse{}, transportError(ctx, err)
	}

	var (
		body      confirmBody
		decodeErr error
	)
	if raw := resp.Body(); len(strings.TrimSpace(string(raw))) > 0 {
		decodeErr = json.Unmarshal(raw, &body)
	}

	status := resp.StatusCode()
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		if decodeErr != nil {
			return ConfirmResponse{}, executor.Decoding(fmt.Errorf("confirm response for %s: %w", externalID, decodeErr))
		}
		accepted := body.Success == nil || *body.Success
		return ConfirmResponse{Accepted: accepted, Status: body.Status, Message: body.Message}, nil
	case (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) &&
		decodeErr == nil && isInvalidCode(body):
		return ConfirmResponse{Accepted: false, Message: firstNonEmpty(body.Message, body.Error)}, nil
	}
	return ConfirmResponse{}, statusError(resp)
}

// Admit blocks until the shared quota lets one more request through. It is
// meant for executor.WithAdmission so the wait stays outside the attempt
// timeout. A broken limiter fails open.
func (c *Client) Admit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, quotaKey); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("marketplace quota limiter unavailable, proceeding", zap.Error(err))
	}
	return nil
}

// request prepares an authorized request.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, ok := c.tokens.CurrentToken(ctx)
	if !ok {
		return nil, executor.Unauthorized("no marketplace token available")
	}

	return c.http.R().
		SetContext(ctx).
		SetAuthToken(token), nil
}

func (c *Client) orderURL(externalID, action string) string {
	return fmt.Sprintf("%s/orders/%s/%s", c.baseURL, url.PathEscape(externalID), action)
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return executor.Transport(err)
}

// statusError maps a non-2xx response to an executor error, nil otherwise.
func statusError(resp *resty.Response) *executor.Error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	xerr := executor.FromStatus(code, responseMessage(resp.Body()))
	if code == http.StatusTooManyRequests {
		xerr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
	}
	return xerr
}

func responseMessage(raw []byte) string {
	var body confirmBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if msg := firstNonEmpty(body.Message, body.Error, body.Code); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isInvalidCode(body confirmBody) bool {
	return strings.EqualFold(body.Code, invalidCode) || strings.EqualFold(body.Error, invalidCode)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
