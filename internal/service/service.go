package service

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"possettle/backend/internal/access"
	"possettle/backend/internal/domain"
	"possettle/backend/internal/events"
	"possettle/backend/internal/ledger"
	"possettle/backend/internal/lock"
	"possettle/backend/internal/store"
	"possettle/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	TaxRatePercent     decimal.Decimal
	AllowNegativeStock bool
	InvoicePrefix      string
	InvoiceSeqDigits   int
}

type Option func(*options)

type options struct {
	locker     lock.Locker
	publisher  events.Publisher
	authorizer access.Authorizer
	now        func() time.Time
}

// WithLocker replaces the process-local day lock used for invoice numbering.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithAuthorizer(a access.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service is the sale transaction coordinator. It runs commit, reverse and
// shift close as single units of work against the store and notifies
// subscribers once they are durable.
type Service struct {
	store     store.Store
	stock     *ledger.StockLedger
	shifts    *ledger.ShiftLedger
	invoices  *ledger.Sequencer
	publisher events.Publisher
	authz     access.Authorizer
	taxRate   decimal.Decimal
	now       func() time.Time
	tracer    trace.Tracer
	metrics   instruments
}

func New(st store.Store, cfg Config, opts ...Option) *Service {
	o := options{
		locker:    lock.NewLocal(),
		publisher: events.NoopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.authorizer == nil {
		o.authorizer = access.NewRolePolicy(st)
	}

	return &Service{
		store:     st,
		stock:     ledger.NewStockLedger(cfg.AllowNegativeStock),
		shifts:    ledger.NewShiftLedger(),
		invoices:  ledger.NewSequencer(cfg.InvoicePrefix, cfg.InvoiceSeqDigits, o.locker),
		publisher: o.publisher,
		authz:     o.authorizer,
		taxRate:   cfg.TaxRatePercent,
		now:       o.now,
		tracer:    otel.Tracer("possettle/service"),
		metrics:   newInstruments(),
	}
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

// runTx executes fn as one unit of work. Typed engine errors raised inside fn
// pass through; anything else is a storage failure and is wrapped.
func (s *Service) runTx(ctx context.Context, op string, fn store.TxFunc) error {
	err := s.store.WithTransaction(ctx, fn)
	if err == nil {
		return nil
	}
	if domain.IsEngineError(err) {
		return err
	}
	s.metrics.txFailures.Add(ctx, 1, metricAttrs(attribute.String("op", op)))
	return &domain.TransactionFailedError{Op: op, Cause: err}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "service."+name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) Can(ctx context.Context, operatorID string, capability string) (bool, error) {
	return s.authz.Can(ctx, operatorID, capability)
}

// require checks capability for operatorID through the authorization collaborator.
func (s *Service) require(ctx context.Context, operatorID string, capability string) error {
	ok, err := s.authz.Can(ctx, operatorID, capability)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ForbiddenError{OperatorID: operatorID, Capability: capability}
	}
	return nil
}

// requireActor checks capability for the actor carried by ctx.
func (s *Service) requireActor(ctx context.Context, capability string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, &domain.ForbiddenError{Capability: capability}
	}
	return actor, s.require(ctx, actor.Username, capability)
}

func (s *Service) auditEntry(ctx context.Context, fallbackActor string, action string, entityType string, entityID string, detail string) domain.AuditLog {
	actor := fallbackActor
	if a, ok := ActorFromContext(ctx); ok && a.Username != "" {
		actor = a.Username
	}
	if actor == "" {
		actor = "system"
	}
	return domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}
}

// publish runs after the unit of work committed; failures are logged only.
func (s *Service) publish(ctx context.Context, event events.Event) {
	event.At = s.now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[service] WARN: publish %s failed: %v", event.Kind, err)
	}
}
