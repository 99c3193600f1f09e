// Package memory provides an in-memory implementation of the entity store
// used for tests, ephemeral environments, and as the transactional core of
// the durable backends.
package memory

import (
	"cascadecore/pkg/domain"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Entity aliases domain.Entity.
	Entity = domain.Entity
	// EntityType aliases domain.EntityType.
	EntityType = domain.EntityType
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Snapshot captures a point-in-time clone of the store state keyed by
// entity type then id.
type Snapshot map[EntityType]map[string]Entity

// CommitFunc runs after rules pass and before the new state becomes visible.
// Returning an error discards the transaction.
type CommitFunc func(ctx context.Context, next Snapshot, changes []Change) error

// Session brackets one transaction in a durable backend. Load runs before the
// transaction body, under whatever lock the backend holds for the session,
// and its snapshot replaces the working state. Commit writes the next state
// within the same unit of work. Rollback releases the session without writing.
type Session interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, next Snapshot, changes []Change) error
	Rollback() error
}

// BeginFunc opens a Session for one transaction.
type BeginFunc func(ctx context.Context) (Session, error)

type memoryState map[EntityType]map[string]Entity

func newMemoryState() memoryState {
	state := make(memoryState, len(domain.EntityTypes))
	for _, t := range domain.EntityTypes {
		state[t] = make(map[string]Entity)
	}
	return state
}

func (s memoryState) clone() memoryState {
	cloned := make(memoryState, len(s))
	for t, bucket := range s {
		cp := make(map[string]Entity, len(bucket))
		for id, e := range bucket {
			cp[id] = e.Clone()
		}
		cloned[t] = cp
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot(state.clone())
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for t, bucket := range s {
		if _, ok := state[t]; !ok {
			state[t] = make(map[string]Entity, len(bucket))
		}
		for id, e := range bucket {
			if e == nil {
				continue
			}
			state[t][id] = e.Clone()
		}
	}
	return state
}

// Option configures a Store.
type Option func(*Store)

// WithAccessPolicy sets the policy consulted by Transaction.Update.
func WithAccessPolicy(policy domain.AccessPolicy) Option {
	return func(s *Store) { s.policy = policy }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook installs a hook run before every non-empty commit.
func WithCommitHook(fn CommitFunc) Option {
	return func(s *Store) { s.commit = fn }
}

// WithSession makes every transaction open a durable session, reload the
// state it returns, and commit through it.
func WithSession(begin BeginFunc) Option {
	return func(s *Store) { s.begin = begin }
}

// Store provides an in-memory transactional entity store. Transactions are
// serialised by a single mutex, so no two deletions can interleave on any
// part of the graph.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	policy domain.AccessPolicy
	commit CommitFunc
	begin  BeginFunc
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	ctx     context.Context
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) Get(t EntityType, id string) (Entity, bool) {
	return getEntity(*v.state, t, id)
}

func (v transactionView) List(t EntityType) []Entity {
	return listEntities(*v.state, t)
}

func (v transactionView) FindReferencing(ownerType EntityType, ownerID string, referencingType EntityType) []Entity {
	return findReferencing(*v.state, ownerType, ownerID, referencingType)
}

func getEntity(state memoryState, t EntityType, id string) (Entity, bool) {
	e, ok := state[t][id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func sortedIDs(bucket map[string]Entity) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func listEntities(state memoryState, t EntityType) []Entity {
	bucket := state[t]
	out := make([]Entity, 0, len(bucket))
	for _, id := range sortedIDs(bucket) {
		out = append(out, bucket[id].Clone())
	}
	return out
}

func findReferencing(state memoryState, ownerType EntityType, ownerID string, referencingType EntityType) []Entity {
	bucket := state[referencingType]
	var out []Entity
	for _, id := range sortedIDs(bucket) {
		if referencingType == ownerType && id == ownerID {
			continue
		}
		e := bucket[id]
		if domain.ContainsID(e.References()[ownerType], ownerID) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// RunInTransaction executes fn within a transactional copy of the store
// state. The copy replaces the live state only when fn succeeds, no blocking
// rule fires, the context is still live, and the commit hook accepts it.
// With a session configured the working state is first reloaded from it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	if s.begin != nil {
		opened, err := s.begin(ctx)
		if err != nil {
			return Result{}, err
		}
		sess = opened
		defer func() {
			if sess != nil {
				_ = sess.Rollback()
			}
		}()
		base, err := sess.Load(ctx)
		if err != nil {
			return Result{}, err
		}
		s.state = memoryStateFromSnapshot(base)
	}

	tx := &transaction{
		ctx:   ctx,
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if s.commit != nil && len(tx.changes) > 0 {
		if err := s.commit(ctx, Snapshot(tx.state), tx.Changes()); err != nil {
			return result, err
		}
	}
	if sess != nil && len(tx.changes) > 0 {
		if err := sess.Commit(ctx, Snapshot(tx.state), tx.Changes()); err != nil {
			return result, err
		}
		sess = nil
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(&snapshot))
}

// Get returns a copy of the entity outside any transaction.
func (s *Store) Get(t EntityType, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntity(s.state, t, id)
}

// List returns copies of every entity of type t ordered by id.
func (s *Store) List(t EntityType) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntities(s.state, t)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) Get(t EntityType, id string) (Entity, bool) {
	return getEntity(tx.state, t, id)
}

func (tx *transaction) List(t EntityType) []Entity {
	return listEntities(tx.state, t)
}

func (tx *transaction) FindReferencing(ownerType EntityType, ownerID string, referencingType EntityType) []Entity {
	return findReferencing(tx.state, ownerType, ownerID, referencingType)
}

func (tx *transaction) Changes() []Change {
	return append([]Change(nil), tx.changes...)
}

func (tx *transaction) bucket(t EntityType) (map[string]Entity, error) {
	bucket, ok := tx.state[t]
	if !ok {
		return nil, errors.NotValidf("entity type %q", t)
	}
	return bucket, nil
}

// Create stores a new entity, assigning an id when none is set.
func (tx *transaction) Create(e Entity) (Entity, error) {
	if e == nil {
		return nil, errors.NotValidf("nil entity")
	}
	bucket, err := tx.bucket(e.EntityType())
	if err != nil {
		return nil, err
	}
	created := e.Clone()
	meta := created.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if _, exists := bucket[meta.ID]; exists {
		return nil, errors.AlreadyExistsf("%s %q", e.EntityType(), meta.ID)
	}
	meta.CreatedAt = tx.now
	meta.UpdatedAt = tx.now
	bucket[meta.ID] = created
	tx.recordChange(Change{Entity: created.EntityType(), EntityID: meta.ID, Action: domain.ActionCreate, After: created.Clone()})
	return created.Clone(), nil
}

// Update persists e after the access policy allows it.
func (tx *transaction) Update(e Entity) (Entity, error) {
	if e == nil {
		return nil, errors.NotValidf("nil entity")
	}
	if tx.store.policy != nil {
		if err := tx.store.policy.CanUpdate(tx.ctx, e); err != nil {
			return nil, errors.Annotatef(err, "update %s %q", e.EntityType(), e.EntityID())
		}
	}
	return tx.update(e, false)
}

// UpdateBypassingAccessControl persists e without consulting the policy.
func (tx *transaction) UpdateBypassingAccessControl(e Entity) (Entity, error) {
	if e == nil {
		return nil, errors.NotValidf("nil entity")
	}
	return tx.update(e, true)
}

func (tx *transaction) update(e Entity, bypass bool) (Entity, error) {
	bucket, err := tx.bucket(e.EntityType())
	if err != nil {
		return nil, err
	}
	current, ok := bucket[e.EntityID()]
	if !ok {
		return nil, domain.NotFound(e.EntityType(), e.EntityID())
	}
	updated := e.Clone()
	meta := updated.Meta()
	meta.CreatedAt = current.Meta().CreatedAt
	meta.UpdatedAt = tx.now
	bucket[meta.ID] = updated
	tx.recordChange(Change{
		Entity:   updated.EntityType(),
		EntityID: meta.ID,
		Action:   domain.ActionUpdate,
		Bypass:   bypass,
		Before:   current.Clone(),
		After:    updated.Clone(),
	})
	return updated.Clone(), nil
}

// Delete removes an entity from state.
func (tx *transaction) Delete(t EntityType, id string) error {
	bucket, err := tx.bucket(t)
	if err != nil {
		return err
	}
	current, ok := bucket[id]
	if !ok {
		return domain.NotFound(t, id)
	}
	delete(bucket, id)
	tx.recordChange(Change{Entity: t, EntityID: id, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}
