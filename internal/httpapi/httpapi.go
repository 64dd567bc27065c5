package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/application/delivery"
	"github.com/TemirB/wb-delivery-sync/internal/application/ordersync"
	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/breaker"
)

//go:generate mockgen -source httpapi.go -destination=httpapi_mock_test.go -package=httpapi

const (
	maxBody         = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type Syncer interface {
	RunNow(ctx context.Context) ordersync.Result
}

type Orders interface {
	Lookup(ctx context.Context, externalID string) (*domain.Order, ordersync.LookupStats, error)
}

type Deliveries interface {
	Create(ctx context.Context, orderExternalID, trackingNumber string) (*domain.Delivery, error)
	Get(ctx context.Context, id string) (*domain.Delivery, error)
	AssignCourier(ctx context.Context, id, courierID string) (*domain.Delivery, error)
	ArriveAtCustomer(ctx context.Context, id string) (*domain.Delivery, error)
	RequestConfirmationCode(ctx context.Context, id string) (string, error)
	ConfirmDelivery(ctx context.Context, id, code string) (delivery.ConfirmResult, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Delivery, error)
	Fail(ctx context.Context, id, reason string) (*domain.Delivery, error)
}

type Breaker interface {
	Snapshot() breaker.Snapshot
	Reset()
}

// Services are what the operator API drives. Metrics may be nil.
type Services struct {
	Syncer     Syncer
	Orders     Orders
	Deliveries Deliveries
	Breaker    Breaker
	Metrics    http.Handler
}

type Server struct {
	svc     Services
	router  chi.Router
	logger  *zap.Logger
	metrics observability.Metrics
}

func New(svc Services, logger *zap.Logger, metrics observability.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoop()
	}
	s := &Server{
		svc:     svc,
		router:  chi.NewRouter(),
		logger:  logger,
		metrics: metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		ServerTimingApp(s.metrics),
		RequestLogger(s.logger),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.svc.Metrics)
	}

	r.Post("/sync", s.sync)
	r.Get("/orders/{id}", s.getOrder)

	r.Route("/deliveries", func(r chi.Router) {
		r.Post("/", s.createDelivery)
		r.Get("/{id}", s.getDelivery)
		r.Post("/{id}/assign", s.assignCourier)
		r.Post("/{id}/arrive", s.arrive)
		r.Post("/{id}/request-code", s.requestCode)
		r.Post("/{id}/confirm", s.confirm)
		r.Post("/{id}/cancel", s.cancel)
		r.Post("/{id}/fail", s.fail)
	})

	r.Get("/breaker", s.breakerStatus)
	r.Post("/breaker/reset", s.breakerReset)
}

type syncResponse struct {
	OK        bool     `json:"ok"`
	Pages     int      `json:"pages"`
	NewOrders []string `json:"newOrders"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := s.svc.Syncer.RunNow(r.Context())
	observability.AppendServerTiming(w, "sync", observability.SinceMs(start), "")

	body := syncResponse{OK: res.OK(), Pages: res.Pages, NewOrders: make([]string, 0, len(res.NewOrders))}
	for _, o := range res.NewOrders {
		body.NewOrders = append(body.NewOrders, o.ExternalID)
	}
	status := http.StatusOK
	if !res.OK() {
		for _, err := range res.Errors {
			body.Errors = append(body.Errors, err.Error())
		}
		status, _ = statusFor(res.Err())
	}
	writeJSON(w, status, body)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, st, err := s.svc.Orders.Lookup(r.Context(), chi.URLParam(r, "id"))
	observability.AppendServerTiming(w, "cache", st.CacheMs, "")
	observability.AppendServerTiming(w, "store", st.StoreMs, "")
	if st.Source != "" {
		observability.AppendServerTiming(w, "source", 0, string(st.Source))
		w.Header().Set("X-Source", string(st.Source))
	}
	observability.SetIfPos(w, "X-Cache-Time", st.CacheMs)
	observability.SetIfPos(w, "X-Store-Time", st.StoreMs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type createRequest struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
}

func (s *Server) createDelivery(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	d, err := s.svc.Deliveries.Create(r.Context(), req.OrderID, req.TrackingNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Deliveries.Get(r.Context(), chi.URLParam(r, "id"))
	s.respondDelivery(w, r, d, err)
}

type assignRequest struct {
	CourierID string `json:"courierId"`
}

func (s *Server) assignCourier(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	d, err := s.svc.Deliveries.AssignCourier(r.Context(), chi.URLParam(r, "id"), req.CourierID)
	s.respondDelivery(w, r, d, err)
}

func (s *Server) arrive(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Deliveries.ArriveAtCustomer(r.Context(), chi.URLParam(r, "id"))
	s.respondDelivery(w, r, d, err)
}

func (s *Server) requestCode(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := s.svc.Deliveries.RequestConfirmationCode(r.Context(), chi.URLParam(r, "id"))
	observability.AppendServerTiming(w, "marketplace", observability.SinceMs(start), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"smsRequestId": id})
}

type confirmRequest struct {
	Code string `json:"code"`
}

type confirmResponse struct {
	Outcome      delivery.Outcome `json:"outcome"`
	Confirmed    bool             `json:"confirmed"`
	Delivery     *domain.Delivery `json:"delivery"`
	WriteBackErr string           `json:"writeBackError,omitempty"`
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	start := time.Now()
	res, err := s.svc.Deliveries.ConfirmDelivery(r.Context(), chi.URLParam(r, "id"), req.Code)
	observability.AppendServerTiming(w, "marketplace", observability.SinceMs(start), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := confirmResponse{Outcome: res.Outcome, Confirmed: res.Confirmed(), Delivery: res.Delivery}
	if res.WriteBackErr != nil {
		body.WriteBackErr = res.WriteBackErr.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	d, err := s.svc.Deliveries.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	s.respondDelivery(w, r, d, err)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	d, err := s.svc.Deliveries.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason)
	s.respondDelivery(w, r, d, err)
}

func (s *Server) breakerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Breaker.Snapshot())
}

func (s *Server) breakerReset(w http.ResponseWriter, _ *http.Request) {
	s.svc.Breaker.Reset()
	s.logger.Warn("circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, s.svc.Breaker.Snapshot())
}

func (s *Server) respondDelivery(w http.ResponseWriter, r *http.Request, d *domain.Delivery, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// decode reads a JSON body. With required=false an empty body is accepted.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	if !required && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: "Content-Type must be application/json"})
		return false
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !(errors.Is(err, io.EOF) && !required) {
		s.logger.Warn("bad request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	body := errorBody{Error: msg}
	if kind := executor.KindOf(err); kind != 0 {
		body.Kind = kind.String()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

// statusFor maps an error to the status and message the operator sees.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDeliveryExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	}

	switch executor.KindOf(err) {
	case executor.KindCircuitOpen:
		return http.StatusServiceUnavailable, "marketplace unavailable, retry later"
	case executor.KindUnauthorized:
		return http.StatusBadGateway, "re-authenticate with the marketplace"
	case executor.KindRateLimited:
		return http.StatusBadGateway, "marketplace rate limit exceeded, retry later"
	case executor.KindTransport, executor.KindServer, executor.KindDecoding:
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Handler() http.Handler { return s.router }
