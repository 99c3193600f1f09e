package deletion

import (
	"cascadecore/pkg/domain"
	"context"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "cascadecore/internal/deletion"

// Report describes the outcome of one deletion request. Changes holds every
// committed mutation (cascade updates, detach, and the delete itself) and is
// empty unless State is StateDeleted.
type Report struct {
	Type    domain.EntityType
	ID      string
	Name    string
	State   State
	Reason  string
	Changes []domain.Change
	Result  domain.Result
}

// CascadeWrites counts the bypass updates committed by the request.
func (r Report) CascadeWrites() int {
	n := 0
	for _, c := range r.Changes {
		if c.Action == domain.ActionUpdate && c.Bypass {
			n++
		}
	}
	return n
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithTombstones records a tombstone for every committed deletion.
func WithTombstones(sink TombstoneSink) Option {
	return func(c *Coordinator) { c.tombstones = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBatchLimit bounds the concurrency of RequestDeletions.
func WithBatchLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchLimit = n
		}
	}
}

// Coordinator runs deletion requests against a store: every veto, cascade
// update, self-detach and the final delete share one transaction.
type Coordinator struct {
	store      domain.PersistentStore
	registry   *Registry
	logger     *zap.Logger
	metrics    MetricsRecorder
	tracer     trace.Tracer
	tombstones TombstoneSink
	now        func() time.Time
	batchLimit int
}

// NewCoordinator wires a coordinator to a store and a built registry.
func NewCoordinator(store domain.PersistentStore, registry *Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		registry:   registry,
		logger:     zap.NewNop(),
		metrics:    noopMetrics{},
		tracer:     otel.Tracer(tracerName),
		now:        func() time.Time { return time.Now().UTC() },
		batchLimit: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the handler registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// RequestDeletion deletes the entity (t, id) after every applicable veto
// allowed it and every dependent reference was stripped. A veto yields a
// *DeniedError, an unknown id a NotFound error, and a store failure a
// *PersistenceError; in all three cases nothing was committed.
func (c *Coordinator) RequestDeletion(ctx context.Context, t domain.EntityType, id string) (Report, error) {
	ctx, span := c.tracer.Start(ctx, "deletion.request", trace.WithAttributes(
		attribute.String("entity.type", string(t)),
		attribute.String("entity.id", id),
	))
	started := c.now()
	report := Report{Type: t, ID: id, State: StateRequested}
	log := c.logger.With(zap.String("entity_type", string(t)), zap.String("entity_id", id))

	err := c.run(ctx, log, &report)
	if err != nil {
		report.Changes = nil
		if report.State != StateDenied {
			report.State = StateFailed
		}
	} else {
		report.State = StateDeleted
	}

	span.SetAttributes(attribute.String("deletion.state", report.State.String()))
	if err != nil && report.State == StateFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	c.metrics.ObserveDeletion(ctx, t, report.State, c.now().Sub(started))

	switch report.State {
	case StateDeleted:
		c.metrics.ObserveCascadeWrites(ctx, t, report.CascadeWrites())
		log.Info("entity deleted", zap.String("name", report.Name), zap.Int("changes", len(report.Changes)))
		c.recordTombstone(ctx, log, report)
	case StateDenied:
		log.Info("deletion denied", zap.String("reason", report.Reason))
	default:
		log.Warn("deletion failed", zap.Error(err))
	}
	return report, err
}

func (c *Coordinator) run(ctx context.Context, log *zap.Logger, report *Report) error {
	if report.Type == "" || report.ID == "" {
		return errors.NotValidf("deletion target %s %q", report.Type, report.ID)
	}
	res, err := c.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		target, ok := tx.Get(report.Type, report.ID)
		if !ok {
			return domain.NotFound(report.Type, report.ID)
		}
		report.Name = target.DisplayName()

		report.State = StateVetoChecking
		if err := c.checkVetoes(ctx, tx, target, report); err != nil {
			return err
		}

		report.State = StateCascadePending
		if err := ctx.Err(); err != nil {
			return err
		}
		report.State = StateCascadeRunning
		if err := c.cascade(ctx, log, tx, target); err != nil {
			return err
		}
		if err := c.detach(ctx, tx, target); err != nil {
			return err
		}
		if err := tx.Delete(report.Type, report.ID); err != nil {
			return err
		}
		report.Changes = tx.Changes()
		return nil
	})
	report.Result = res
	if err == nil {
		return nil
	}
	var denied *DeniedError
	var violation domain.RuleViolationError
	switch {
	case errors.As(err, &denied):
		return err
	case domain.IsNotFound(err) && report.State == StateRequested:
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &violation):
		return err
	default:
		return &PersistenceError{Type: report.Type, ID: report.ID, Err: err}
	}
}

// checkVetoes runs inside the transaction so a child added since any earlier
// read is still seen.
func (c *Coordinator) checkVetoes(ctx context.Context, tx domain.Transaction, target domain.Entity, report *Report) error {
	for _, h := range c.registry.handlers {
		veto, ok := h.vetoes[report.Type]
		if !ok {
			continue
		}
		res, err := veto(ctx, tx, target)
		if err != nil {
			return errors.Annotatef(err, "veto %s", h.name)
		}
		if !res.Allowed() {
			report.State = StateDenied
			report.Reason = res.Reason()
			return &DeniedError{Type: report.Type, ID: report.ID, Handler: h.name, Reason: res.Reason()}
		}
	}
	return nil
}

func (c *Coordinator) cascade(ctx context.Context, log *zap.Logger, tx domain.Transaction, target domain.Entity) error {
	t, id := target.EntityType(), target.EntityID()
	for _, h := range c.registry.handlers {
		fn, ok := h.cascades[t]
		if !ok {
			continue
		}
		referrers := tx.FindReferencing(t, id, h.owner)
		log.Debug("cascade", zap.String("handler", h.name), zap.Int("referrers", len(referrers)))
		for _, referrer := range referrers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, tx, target, referrer); err != nil {
				return errors.Annotatef(err, "cascade %s on %s %q", h.name, referrer.EntityType(), referrer.EntityID())
			}
		}
	}
	return nil
}

func (c *Coordinator) detach(ctx context.Context, tx domain.Transaction, target domain.Entity) error {
	h, ok := c.registry.byOwner[target.EntityType()]
	if !ok || h.detach == nil {
		return nil
	}
	if err := h.detach(ctx, tx, target); err != nil {
		return errors.Annotatef(err, "detach %s", h.name)
	}
	return nil
}

func (c *Coordinator) recordTombstone(ctx context.Context, log *zap.Logger, report Report) {
	if c.tombstones == nil {
		return
	}
	tombstone := domain.Tombstone{
		Type:      report.Type,
		ID:        report.ID,
		Name:      report.Name,
		DeletedAt: c.now(),
		DeletedBy: ActorFrom(ctx),
	}
	for _, change := range report.Changes {
		if change.Action == domain.ActionDelete && change.Before != nil && change.EntityID == report.ID {
			tombstone.Code = change.Before.Meta().Code
		}
	}
	// the deletion already committed; a lost tombstone is only logged
	if err := c.tombstones.Record(ctx, tombstone); err != nil {
		log.Error("record tombstone", zap.Error(err))
	}
}

// BatchResult pairs a report with the error returned for that id.
type BatchResult struct {
	Report Report
	Err    error
}

// RequestDeletions deletes ids of type t, each in its own transaction.
// Denied and missing ids are reported per entry; a persistence failure stops
// the remaining requests and is returned.
func (c *Coordinator) RequestDeletions(ctx context.Context, t domain.EntityType, ids []string) ([]BatchResult, error) {
	results := make([]BatchResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchLimit)
	for i, id := range ids {
		g.Go(func() error {
			report, err := c.RequestDeletion(gctx, t, id)
			results[i] = BatchResult{Report: report, Err: err}
			if errors.Is(err, ErrPersistence) {
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}
