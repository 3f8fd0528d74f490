package banklink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grana-app/banklink/instrumentation"
	"github.com/grana-app/banklink/security"
)

// UserIDFunc extracts the authenticated user from a request. Authentication
// itself (sessions, JWTs) is the embedding application's concern.
type UserIDFunc func(r *http.Request) (string, error)

// ErrUnauthenticated should be returned by a UserIDFunc when no user is
// present on the request.
var ErrUnauthenticated = errors.New("banklink: no authenticated user")

// Handler exposes the connect and callback endpoints over HTTP.
type Handler struct {
	server     *Server
	userID     UserIDFunc
	limiter    *security.RateLimiter
	auditor    *security.Auditor
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
	tracer     trace.Tracer
	trustProxy bool
	redirect   *url.URL
}

// NewHandler creates an HTTP handler around a Server. The UserIDFunc guards
// the connect-initiation endpoint; the callback endpoint is authenticated by
// the state token alone, since the provider redirect carries no session.
func NewHandler(server *Server, userID UserIDFunc) (*Handler, error) {
	if userID == nil {
		userID = func(*http.Request) (string, error) { return "", ErrUnauthenticated }
	}

	redirect, err := url.Parse(server.config.ClientRedirectURL)
	if err != nil {
		return nil, err
	}

	var limiter *security.RateLimiter
	if server.config.RateLimit.Rate > 0 {
		limiter = security.NewRateLimiter(
			server.config.RateLimit.Rate,
			server.config.RateLimit.Burst,
			server.logger,
		)
	}

	return &Handler{
		server:     server,
		userID:     userID,
		limiter:    limiter,
		auditor:    security.NewAuditor(server.logger, server.config.AuditEnabled),
		logger:     server.logger,
		inst:       server.inst,
		tracer:     server.inst.Tracer("http"),
		trustProxy: server.config.TrustProxy,
		redirect:   redirect,
	}, nil
}

// RegisterRoutes registers the handler's endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/bank/connect", h.ServeConnect)
	mux.HandleFunc("/api/bank/callback", h.ServeCallback)
	mux.HandleFunc("/healthz", h.ServeHealth)
}

// Close stops the rate limiter's cleanup loop.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// ServeCallback handles the provider redirect. The response is always a
// redirect back to the web client; processing outcomes are carried in its
// query string.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.bank_callback")
	defer span.End()

	ip := security.ClientIP(r, h.trustProxy)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP, ip))
	if !h.allow(ctx, ip, "/api/bank/callback") {
		instrumentation.AddHTTPAttributes(span, r.Method, "/api/bank/callback", http.StatusTooManyRequests)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	result := h.server.HandleCallback(ctx, ParseCallbackParams(r.URL.Query()))

	if result.Reason == ReasonInvalidState {
		h.auditor.LogStateVerificationFailed(ip, "signature, expiry or shape")
	}
	h.auditor.LogCallbackOutcome(result.UserID, ip, h.outcome(result))

	h.redirectClient(w, r, result)
	instrumentation.AddHTTPAttributes(span, r.Method, "/api/bank/callback", http.StatusFound)
	h.inst.Metrics().RecordHTTPRequest(ctx, r.Method, "/api/bank/callback",
		http.StatusFound, float64(time.Since(start).Milliseconds()))
}

// ServeConnect handles connect initiation for an authenticated user.
// Accepts {market, locale} and returns {url, message}.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.bank_connect")
	defer span.End()

	ip := security.ClientIP(r, h.trustProxy)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP, ip))
	if !h.allow(ctx, ip, "/api/bank/connect") {
		h.writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	userID, err := h.userID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.server.StartConnection(ctx, userID, req.Market, req.Locale)
	if err != nil {
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			h.logger.Error("connect initiation failed",
				"reason", string(cbErr.Reason),
				"error", err)
		} else {
			h.logger.Error("connect initiation failed", "error", err)
		}
		instrumentation.RecordError(span, err)
		h.writeJSONError(w, http.StatusBadGateway, "could not start bank connection")
		return
	}

	h.auditor.LogConnectionStarted(userID, ip, req.Market)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encoding connect response", "error", err)
	}
	instrumentation.AddHTTPAttributes(span, r.Method, "/api/bank/connect", http.StatusOK)
	h.inst.Metrics().RecordHTTPRequest(ctx, r.Method, "/api/bank/connect",
		http.StatusOK, float64(time.Since(start).Milliseconds()))
}

// ServeHealth reports provider and claim store reachability.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.server.HealthCheck(r.Context()); err != nil {
		h.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) allow(ctx context.Context, ip, endpoint string) bool {
	if h.limiter == nil || h.limiter.Allow(ip) {
		return true
	}
	h.inst.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	h.logger.Warn("rate limit exceeded", "endpoint", endpoint)
	return false
}

// redirectClient sends the browser back to the web client with the outcome
// in the query string: connected=true on success, error=<reason> otherwise.
func (h *Handler) redirectClient(w http.ResponseWriter, r *http.Request, result *CallbackResult) {
	target := *h.redirect
	q := target.Query()
	if result.Connected {
		q.Set("connected", "true")
	} else {
		q.Set("error", string(result.Reason))
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) outcome(result *CallbackResult) string {
	if result.Connected && result.Reason == "" {
		return "connected"
	}
	return string(result.Reason)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
