package deeplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/picala/internal/domain"
	"github.com/felixgeelhaar/picala/internal/identity"
)

// Authenticator is the subset of the identity client links need
type Authenticator interface {
	ExchangeCodeForSession(ctx context.Context, code string) (*domain.Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error)
	VerifyOneTimeToken(ctx context.Context, token string, otpType identity.OTPType) (*domain.User, error)
}

// Navigator moves the application to a route
type Navigator interface {
	Navigate(ctx context.Context, route Route)
}

// Recorder counts handled links
type Recorder interface {
	RecordDeepLink(kind, outcome string)
}

// Outcome values
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeNavigated = "navigated"
	OutcomeIgnored   = "ignored"
)

// Outcome describes what Handle did with a link
type Outcome struct {
	Kind    Kind            `json:"kind"`
	Purpose Purpose         `json:"purpose,omitempty"`
	Result  string          `json:"result"`
	Route   *Route          `json:"route,omitempty"`
	Error   *identity.Error `json:"-"`
}

// Config holds Dispatcher settings
type Config struct {
	Auth      Authenticator
	Navigator Navigator
	// RedirectDelay is the pause before leaving a successful link (default: 1s)
	RedirectDelay *time.Duration
	Logger        *slog.Logger
	Metrics       Recorder
}

// Dispatcher routes links to the identity client and the navigator
type Dispatcher struct {
	auth    Authenticator
	nav     Navigator
	delay   time.Duration
	logger  *slog.Logger
	metrics Recorder
}

// DefaultRedirectDelay is how long a success message stays visible
const DefaultRedirectDelay = time.Second

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	delay := DefaultRedirectDelay
	if cfg.RedirectDelay != nil && *cfg.RedirectDelay >= 0 {
		delay = *cfg.RedirectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		auth:    cfg.Auth,
		nav:     cfg.Navigator,
		delay:   delay,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Handle processes one link. Every failure ends on the invalid-link route;
// raw provider errors never reach navigation.
func (d *Dispatcher) Handle(ctx context.Context, raw string) (out Outcome) {
	req, err := Parse(raw)
	if err != nil {
		d.logger.Debug("ignoring unparseable link", "error", err)
		return d.finish(Outcome{Kind: KindIgnore, Result: OutcomeIgnored})
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deep link handler panicked", "path", req.Path, "kind", req.Kind, "panic", fmt.Sprint(r))
			out = d.fail(ctx, req, ReasonVerificationFailed, nil)
		}
	}()

	d.logger.Info("handling deep link", "path", req.Path, "kind", req.Kind, "purpose", req.Purpose)

	switch req.Kind {
	case KindIgnore:
		return d.finish(Outcome{Kind: KindIgnore, Result: OutcomeIgnored})
	case KindNavigation:
		route := Route{Name: strings.TrimPrefix(req.Path, "/")}
		d.nav.Navigate(ctx, route)
		return d.finish(Outcome{Kind: req.Kind, Result: OutcomeNavigated, Route: &route})
	case KindIncomplete:
		return d.fail(ctx, req, ReasonInvalidLink, nil)
	case KindProviderError:
		d.logger.Warn("provider reported link error",
			"error_code", req.Param("error_code"),
			"error", req.Param("error"))
		return d.fail(ctx, req, providerReason(req), nil)
	}

	if err := d.authenticate(ctx, req); err != nil {
		ae := identity.Normalize(err)
		return d.fail(ctx, req, reasonFor(ae), ae)
	}

	route := verifiedLogin()
	if req.Purpose == PurposeReset {
		route = Route{Name: RouteResetPassword}
	}

	if err := d.wait(ctx); err != nil {
		d.logger.Debug("redirect abandoned", "error", err)
		return d.finish(Outcome{Kind: req.Kind, Purpose: req.Purpose, Result: OutcomeSucceeded})
	}
	d.nav.Navigate(ctx, route)
	return d.finish(Outcome{Kind: req.Kind, Purpose: req.Purpose, Result: OutcomeSucceeded, Route: &route})
}

func (d *Dispatcher) authenticate(ctx context.Context, req *Request) error {
	switch req.Kind {
	case KindCodeExchange:
		_, err := d.auth.ExchangeCodeForSession(ctx, req.Param("code"))
		return err
	case KindImplicitSession:
		_, err := d.auth.SetSession(ctx, req.Param("access_token"), req.Param("refresh_token"))
		return err
	case KindOneTimeToken:
		otpType, ok := identity.ParseOTPType(req.Param("type"))
		if !ok {
			return &identity.Error{Code: identity.CodeInvalidOrExpiredToken, Message: identity.Message(identity.CodeInvalidOrExpiredToken)}
		}
		token := req.Param("token_hash")
		if token == "" {
			token = req.Param("token")
		}
		_, err := d.auth.VerifyOneTimeToken(ctx, token, otpType)
		return err
	}
	return errors.New("no credential in link")
}

func (d *Dispatcher) fail(ctx context.Context, req *Request, reason string, ae *identity.Error) Outcome {
	route := invalidLink(reason)
	d.nav.Navigate(ctx, route)
	if ae != nil {
		d.logger.Warn("deep link failed", "kind", req.Kind, "reason", reason, "code", ae.Code)
	}
	return d.finish(Outcome{
		Kind:    req.Kind,
		Purpose: req.Purpose,
		Result:  OutcomeFailed,
		Route:   &route,
		Error:   ae,
	})
}

func (d *Dispatcher) finish(out Outcome) Outcome {
	if d.metrics != nil {
		d.metrics.RecordDeepLink(string(out.Kind), out.Result)
	}
	return out
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Source delivers links: the one that launched the application and those
// arriving while it runs
type Source interface {
	InitialURL() string
	URLs() <-chan string
}

// Listen handles the initial link once, then every arriving link until ctx
// ends or the source closes
func (d *Dispatcher) Listen(ctx context.Context, src Source) {
	if initial := src.InitialURL(); initial != "" {
		d.Handle(ctx, initial)
	}

	urls := src.URLs()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-urls:
			if !ok {
				return
			}
			d.Handle(ctx, raw)
		}
	}
}

func reasonFor(ae *identity.Error) string {
	switch ae.Code {
	case identity.CodeNetworkError, identity.CodeRateLimited:
		return ReasonNetworkError
	case identity.CodeInvalidOrExpiredToken, identity.CodeSessionMissing:
		return ReasonInvalidLink
	}
	return ReasonVerificationFailed
}

func providerReason(req *Request) string {
	switch req.Param("error_code") {
	case "otp_expired", "flow_state_expired", "flow_state_not_found":
		return ReasonInvalidLink
	}
	if req.Param("error") == "access_denied" && req.Param("error_code") == "" {
		return ReasonInvalidLink
	}
	return ReasonVerificationFailed
}
