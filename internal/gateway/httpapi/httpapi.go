// Package httpapi implements the host HTTP surface for Tripwire: health and
// metrics endpoints, push-event ingestion, and management of rules, channel
// accounts and dashboard notifications.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Every key is bound to an owner; the "*" owner may act for any owner
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/gateway"
	"github.com/jkaninda/tripwire/internal/observability"
	"github.com/jkaninda/tripwire/internal/ratelimit"
	"github.com/jkaninda/tripwire/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	adminOwner            = "*"
	ownerKey              = "ownerID"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → owner ID. "*" = any owner.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Version        string
	EventLimit     ratelimit.Config // Per-owner POST /v1/events budget. Zero = unlimited.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// EventSink receives pushed events; implemented by the rule engine.
type EventSink interface {
	OnEvent(ctx context.Context, ev domain.Event) int
}

// RuleValidator checks a rule before it is stored.
type RuleValidator func(*domain.Rule) error

// Forgetter drops in-memory per-rule state (debounce, poll cadence).
type Forgetter interface {
	Forget(ruleID uuid.UUID)
}

// Invalidator drops cached channel credentials for an owner.
type Invalidator interface {
	Invalidate(ownerID string)
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config Config
	logger *slog.Logger
	server *http.Server

	events        EventSink
	rules         storage.RuleStore
	execLog       storage.ExecutionLogStore
	notifications storage.NotificationStore
	channels      storage.ChannelStore
	validate      RuleValidator
	tracker       Forgetter
	credentials   Invalidator
	limiter       *ratelimit.Limiter

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		logger: logger,
		validate: func(r *domain.Rule) error {
			return r.Validate()
		},
		limiter: ratelimit.NewLimiter(cfg.EventLimit),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithEvents attaches the push-event sink for POST /v1/events.
func (g *Gateway) WithEvents(sink EventSink) *Gateway {
	g.events = sink
	return g
}

// WithRules attaches rule management and execution history.
func (g *Gateway) WithRules(rules storage.RuleStore, execLog storage.ExecutionLogStore, validate RuleValidator, tracker Forgetter) *Gateway {
	g.rules = rules
	g.execLog = execLog
	if validate != nil {
		g.validate = validate
	}
	g.tracker = tracker
	return g
}

// WithNotifications attaches dashboard notification endpoints.
func (g *Gateway) WithNotifications(store storage.NotificationStore) *Gateway {
	g.notifications = store
	return g
}

// WithChannels attaches channel account management.
func (g *Gateway) WithChannels(store storage.ChannelStore, credentials Invalidator) *Gateway {
	g.channels = store
	g.credentials = credentials
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Tripwire",
			Version: g.config.Version,
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("no API keys configured, /v1 routes disabled")
		return
	}

	// Authenticated, size-limited /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate, okapi.BodyLimit{MaxBytes: g.config.MaxRequestSize}.Middleware)

	if g.events != nil {
		g.group.Post("/events", g.handleEvent,
			okapi.DocSummary("Push an event to the rule engine"),
			okapi.DocTags("Events"),
			okapi.DocRequestBody(EventRequest{}),
			okapi.DocResponse(http.StatusAccepted, EventResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
	}
	if g.rules != nil {
		g.ruleRoutes()
	}
	if g.channels != nil {
		g.channelRoutes()
	}
	if g.notifications != nil {
		g.notificationRoutes()
	}

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok", Version: g.config.Version})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		ownerID, ok := g.lookupKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set(ownerKey, ownerID)
		return next(c)
	}
}

// lookupKey resolves a bearer header to its owner. Every key is compared
// so timing does not reveal which one matched.
func (g *Gateway) lookupKey(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(header, "Bearer ")
	if apiKey == "" {
		return "", false
	}
	ownerID := ""
	for key, owner := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			ownerID = owner
		}
	}
	return ownerID, ownerID != ""
}

// --- principal ---

// principal is the owner a request acts for.
type principal string

func (p principal) admin() bool { return p == adminOwner }

// owner picks the effective owner: admins must name one, others use their own.
func (p principal) owner(requested string) (string, error) {
	if !p.admin() {
		if requested != "" && requested != string(p) {
			return "", errForbidden
		}
		return string(p), nil
	}
	if requested == "" {
		return "", badRequest("owner_id is required for admin keys")
	}
	return requested, nil
}

// canSee reports whether the principal may read or modify owner's records.
func (p principal) canSee(owner string) bool {
	return p.admin() || string(p) == owner
}

func principalOf(c *okapi.Context) principal {
	return principal(c.GetString(ownerKey))
}

// --- errors ---

// apiError carries an HTTP status for a client-visible failure.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string { return e.msg }

var (
	errNotFound  = &apiError{code: http.StatusNotFound, msg: "not found"}
	errForbidden = &apiError{code: http.StatusForbidden, msg: "owner mismatch"}
	errThrottled = &apiError{code: http.StatusTooManyRequests, msg: "rate limit exceeded"}
)

func badRequest(msg string) error {
	return &apiError{code: http.StatusBadRequest, msg: msg}
}

// respondError maps an error to a JSON response.
func (g *Gateway) respondError(c *okapi.Context, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		return c.JSON(ae.code, ErrorBody{Error: ae.msg})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	}
	g.logger.Error("http request failed",
		slog.String("path", c.Request().URL.Path),
		slog.String("error", err.Error()),
	)
	return c.AbortInternalServerError("internal error")
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest("invalid ID")
	}
	return id, nil
}
