// Package fraud composes the rate limiter, trust engine, challenge service
// and behavioral analyzers into one decision per request, chat message or
// socket connection.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/warden/internal/challenge"
	"github.com/opensource-finance/warden/internal/conversation"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
	"github.com/opensource-finance/warden/internal/policy"
	"github.com/opensource-finance/warden/internal/ratelimit"
	"github.com/opensource-finance/warden/internal/trust"
	"github.com/opensource-finance/warden/internal/typing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("warden-fraud")

// Evaluation kinds, used as metric labels.
const (
	KindRequest    = "request"
	KindMessage    = "message"
	KindConnection = "connection"
)

// neutralScore is the trust score policy rules see for callers without one.
const neutralScore = 50

// Deps are the collaborators of an Orchestrator. Store, Limiter, Trust and
// Challenges are required; the rest are optional.
type Deps struct {
	Store        domain.Store
	Bus          domain.EventBus
	Limiter      *ratelimit.Limiter
	Trust        *trust.Engine
	Challenges   *challenge.Service
	Typing       *typing.Analyzer
	Profiles     *typing.Profiles
	Conversation *conversation.Analyzer
	Policy       *policy.Engine
}

// Orchestrator turns one inbound action into a Decision. It holds no
// per-caller state of its own; everything lives in the shared store.
type Orchestrator struct {
	store        domain.Store
	bus          domain.EventBus
	limiter      *ratelimit.Limiter
	trust        *trust.Engine
	challenges   *challenge.Service
	typing       *typing.Analyzer
	profiles     *typing.Profiles
	conversation *conversation.Analyzer
	policy       *policy.Engine
	cfg          domain.FraudConfig
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(deps Deps, cfg domain.FraudConfig, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil || deps.Limiter == nil || deps.Trust == nil || deps.Challenges == nil {
		return nil, errors.New("fraud: store, limiter, trust and challenges are required")
	}

	o := &Orchestrator{
		store:        deps.Store,
		bus:          deps.Bus,
		limiter:      deps.Limiter,
		trust:        deps.Trust,
		challenges:   deps.Challenges,
		typing:       deps.Typing,
		profiles:     deps.Profiles,
		conversation: deps.Conversation,
		policy:       deps.Policy,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// EvaluateRequest decides on a plain API request. The only error is a
// ValidationError for an unidentifiable caller; store outages fail open.
func (o *Orchestrator) EvaluateRequest(ctx context.Context, in domain.RequestInput) (*domain.Decision, error) {
	return o.run(ctx, KindRequest, &evaluation{
		identity:   in.Identity,
		limitAs:    in.Identity,
		endpoint:   in.Endpoint,
		method:     in.Method,
		tierHint:   in.TierHint,
		submission: in.Submission,
	})
}

// EvaluateMessage decides on a chat message. On top of the request pipeline
// it runs the typing, composition and conversation analyzers and feeds
// confident verdicts back into the sender's trust score.
func (o *Orchestrator) EvaluateMessage(ctx context.Context, in domain.MessageInput) (*domain.Decision, error) {
	endpoint := in.Endpoint
	if endpoint == "" {
		endpoint = o.cfg.MessageEndpoint
	}
	msg := in
	return o.run(ctx, KindMessage, &evaluation{
		identity:   in.Identity,
		limitAs:    in.Identity,
		endpoint:   endpoint,
		method:     in.Method,
		tierHint:   in.TierHint,
		submission: in.Submission,
		message:    &msg,
	})
}

// EvaluateConnection decides on a socket open. Opens are limited per device
// or IP rather than per user, so one account cannot hold many sockets from
// many addresses without each address paying its own budget.
func (o *Orchestrator) EvaluateConnection(ctx context.Context, in domain.ConnectionInput) (*domain.Decision, error) {
	limitAs := in.Identity
	if limitAs.DeviceID != "" || limitAs.IPAddress != "" {
		limitAs.UserID = ""
	}
	return o.run(ctx, KindConnection, &evaluation{
		identity: in.Identity,
		limitAs:  limitAs,
		endpoint: o.cfg.ConnectionEndpoint,
		method:   "CONNECT",
		tierHint: in.TierHint,
	})
}

func (o *Orchestrator) run(ctx context.Context, kind string, ev *evaluation) (*domain.Decision, error) {
	started := time.Now()

	ctx, span := tracer.Start(ctx, "fraud.Evaluate",
		trace.WithAttributes(
			attribute.String("fraud.kind", kind),
			attribute.String("fraud.endpoint", ev.endpoint),
		),
	)
	defer span.End()

	if err := ev.identity.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ev.kind = kind
	ev.identifier = ev.identity.Identifier()
	ev.decision = &domain.Decision{
		ID:        uuid.NewString(),
		Action:    domain.ActionAllow,
		Countable: true,
	}

	o.evaluate(ctx, ev)

	d := ev.decision
	d.Tier = ev.tier
	d.TrustScore = ev.score
	d.Flags = ev.flags
	d.EvaluatedAt = o.now().UTC()
	d.DurationMs = time.Since(started).Milliseconds()
	if d.Action != domain.ActionAllow || d.ShadowBanned {
		d.Countable = false
	}
	if d.Reason == "" {
		d.Reason = "ok"
	}

	o.emit(ctx, ev)

	span.SetAttributes(
		attribute.String("fraud.action", string(d.Action)),
		attribute.String("fraud.tier", d.Tier.String()),
		attribute.String("fraud.reason", d.Reason),
	)
	metrics.ObserveEvaluation(kind, string(d.Action), started)
	return d, nil
}
