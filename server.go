package banklink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grana-app/banklink/accountsync"
	"github.com/grana-app/banklink/claims"
	"github.com/grana-app/banklink/instrumentation"
	"github.com/grana-app/banklink/providers"
	"github.com/grana-app/banklink/statetoken"
)

// Server orchestrates the bank-connection flow: connect initiation, callback
// processing with idempotent claim semantics, and downstream sync dispatch.
type Server struct {
	provider   providers.Provider
	claims     claims.Store
	rawClaims  claims.Store
	codec      *statetoken.Codec
	dispatcher *accountsync.Dispatcher
	inst       *instrumentation.Instrumentation
	tracer     trace.Tracer
	logger     *slog.Logger
	config     Config

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Dependencies are the collaborators a Server coordinates.
type Dependencies struct {
	// Provider performs the grant chain against the bank-data API (required).
	Provider providers.Provider

	// Claims is the claim store backend (required). The server wraps it with
	// fail-open semantics; an unreachable store never blocks the user flow.
	Claims claims.Store

	// Syncer receives the access token for account and transaction sync
	// (required). Called on a detached goroutine after the callback redirect.
	Syncer accountsync.Syncer

	// Instrumentation is optional; a disabled no-op instance is used if nil.
	Instrumentation *instrumentation.Instrumentation
}

// NewServer creates a Server. Missing state secret or collaborators are
// fatal constructor errors.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("server: provider is required")
	}
	if deps.Claims == nil {
		return nil, fmt.Errorf("server: claim store is required")
	}
	if deps.Syncer == nil {
		return nil, fmt.Errorf("server: syncer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	codec, err := statetoken.New(cfg.StateSecret, cfg.StateMaxAge)
	if err != nil {
		return nil, err
	}

	inst := deps.Instrumentation
	if inst == nil {
		inst, err = instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, err
		}
	}

	failOpenHook := func(ctx context.Context, operation string) {
		inst.Metrics().RecordClaimFailOpen(ctx, operation)
	}

	s := &Server{
		provider:   deps.Provider,
		claims:     claims.FailOpen(deps.Claims, logger, failOpenHook),
		rawClaims:  deps.Claims,
		codec:      codec,
		dispatcher: accountsync.NewDispatcher(deps.Syncer, logger, inst.Metrics()),
		inst:       inst,
		tracer:     inst.Tracer("server"),
		logger:     logger,
		config:     cfg,
	}

	if cfg.SweepInterval > 0 {
		if sweeper, ok := deps.Claims.(claims.Sweeper); ok {
			s.sweepStop = make(chan struct{})
			s.sweepDone = make(chan struct{})
			go s.sweepLoop(sweeper, cfg.SweepInterval)
		}
	}

	return s, nil
}

// StartConnection begins a new bank connection for the given user. It signs
// a state token, obtains a delegated grant from the provider and returns the
// hosted connect URL the user should be redirected to.
func (s *Server) StartConnection(ctx context.Context, userID, market, locale string) (*ConnectResponse, error) {
	ctx, span := s.tracer.Start(ctx, "banklink.connect")
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("server: user ID is required")
	}
	span.SetAttributes(attribute.String(instrumentation.AttrMarket, market))

	state, err := s.codec.Create(userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("server: creating state token: %w", err)
	}

	connectURL, err := s.provider.ConnectURL(ctx, userID, state, providers.ConnectOptions{
		Market: market,
		Locale: locale,
	})
	if err != nil {
		cbErr := NewCallbackError(ReasonOAuthFailed, fmt.Errorf("building connect URL: %w", err))
		instrumentation.RecordError(span, cbErr)
		return nil, cbErr
	}

	s.inst.Metrics().RecordConnectionStarted(ctx, market)
	s.logger.Info("bank connection started",
		"provider", s.provider.Name(),
		"market", market)

	return &ConnectResponse{
		URL:     connectURL,
		Message: "Redirect the user to this URL to connect their bank",
	}, nil
}

// HandleCallback processes one provider callback delivery. Every failure is
// converted into a CallbackResult; nothing escapes as an error or a panic.
//
// The idempotency contract: a given authorization code is exchanged at most
// once, no matter how many concurrent or repeated deliveries carry it. Losers
// of the claim race and duplicate deliveries report Connected, because the
// code is or was handled by the winner.
func (s *Server) HandleCallback(ctx context.Context, params CallbackParams) (result *CallbackResult) {
	ctx, span := s.tracer.Start(ctx, "banklink.callback")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during callback processing", "panic", r)
			result = &CallbackResult{Reason: ReasonUnexpected}
		}
		s.recordOutcome(ctx, span, result)
	}()

	if params.Error != "" {
		s.logger.Warn("provider returned error on callback", "provider_error", params.Error)
		return &CallbackResult{Reason: ReasonOAuthFailed}
	}
	if params.Code == "" {
		return &CallbackResult{Reason: ReasonMissingCode}
	}
	if params.State == "" {
		return &CallbackResult{Reason: ReasonInvalidParameters}
	}

	payload := s.codec.Verify(params.State)
	if payload == nil {
		return &CallbackResult{Reason: ReasonInvalidState}
	}
	userID := payload.UserID

	span.SetAttributes(
		attribute.String(instrumentation.AttrUserID, userID),
		attribute.String(instrumentation.AttrCodeHash, claims.HashCode(params.Code)[:8]),
	)
	if params.CredentialsID != "" {
		span.SetAttributes(attribute.String(instrumentation.AttrCredentialsID, params.CredentialsID))
	}

	// Advisory fast path. The atomic claim below is the only
	// correctness-bearing check.
	if claimed, _ := s.claims.IsClaimed(ctx, params.Code); claimed {
		s.logger.Info("duplicate callback for already-claimed code", "user_id", userID)
		return &CallbackResult{Connected: true, Reason: ReasonAlreadyProcessed, UserID: userID}
	}

	won, _ := s.claims.TryClaim(ctx, params.Code)
	s.inst.Metrics().RecordClaimAttempt(ctx, won)
	span.SetAttributes(attribute.Bool(instrumentation.AttrClaimWon, won))
	if !won {
		s.logger.Info("claim lost to concurrent callback", "user_id", userID)
		return &CallbackResult{Connected: true, Reason: ReasonConcurrentProcessing, UserID: userID}
	}

	token, err := s.provider.UserAccessToken(ctx, userID)
	if err != nil {
		// Release so a future legitimate retry by the user can succeed.
		if relErr := s.claims.Release(ctx, params.Code); relErr != nil {
			s.logger.Warn("releasing claim after failed exchange", "error", relErr)
		}
		cbErr := NewCallbackError(ReasonSyncFailed, err)
		s.logger.Error("token exchange failed",
			"provider", s.provider.Name(),
			"user_id", userID,
			"error", cbErr)
		instrumentation.RecordError(span, cbErr)
		return &CallbackResult{Reason: cbErr.Reason, UserID: userID}
	}

	jobID, _ := s.dispatcher.Dispatch(accountsync.Job{
		UserID:        userID,
		Token:         token,
		CredentialsID: params.CredentialsID,
	})

	if err := s.claims.Complete(ctx, params.Code); err != nil {
		s.logger.Warn("marking code processed", "error", err)
	}

	s.logger.Info("bank connection completed",
		"user_id", userID,
		"sync_job_id", jobID)
	return &CallbackResult{Connected: true, UserID: userID, SyncJobID: jobID}
}

// HealthCheck verifies the provider and the claim store are reachable.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := s.provider.HealthCheck(ctx); err != nil {
		return fmt.Errorf("provider %s: %w", s.provider.Name(), err)
	}
	if pinger, ok := s.rawClaims.(claims.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("claim store: %w", err)
		}
	}
	return nil
}

// Close stops the background sweeper and drains in-flight sync jobs, waiting
// up to the dispatcher's drain timeout.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.sweepStop != nil {
			close(s.sweepStop)
			<-s.sweepDone
		}
		s.dispatcher.Close()
	})
}

func (s *Server) sweepLoop(sweeper claims.Sweeper, interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := sweeper.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("sweeping stale claims", "error", err)
				continue
			}
			if removed > 0 {
				s.inst.Metrics().RecordClaimsSwept(context.Background(), removed)
				s.logger.Info("swept stale processing claims", "removed", removed)
			}
		}
	}
}

func (s *Server) recordOutcome(ctx context.Context, span trace.Span, result *CallbackResult) {
	if result == nil {
		return
	}
	outcome := string(result.Reason)
	if result.Connected && result.Reason == "" {
		outcome = "connected"
	}
	s.inst.Metrics().RecordCallbackProcessed(ctx, outcome)
	span.SetAttributes(attribute.String(instrumentation.AttrOutcome, outcome))
	if result.Reason != "" {
		span.SetAttributes(attribute.String(instrumentation.AttrReason, string(result.Reason)))
	}
	if result.Connected {
		instrumentation.SetSpanSuccess(span)
	} else {
		instrumentation.SetSpanError(span, string(result.Reason))
	}
}
