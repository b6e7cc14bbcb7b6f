package container

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/internal/notify"
	"github.com/c0deZ3R0/go-persistent-stack/storage/sqlite"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

// Changes lists the objects a context saw change, either through its own save
// or through a merged transaction.
type Changes struct {
	Inserted []types.ObjectID
	Updated  []types.ObjectID
	Deleted  []types.ObjectID
}

func changesOf(txn types.Transaction) Changes {
	ins, upd, del := txn.ObjectIDs()
	return Changes{Inserted: ins, Updated: upd, Deleted: del}
}

// ObjectContext is a scratch pad over a container's store. Reads see the
// context's unsaved changes; Save commits them as one transaction stamped with
// the context's author.
type ObjectContext struct {
	container *Container
	parent    *ObjectContext
	changes   *notify.Hub[Changes]

	mu        sync.Mutex
	author    string
	policy    types.MergePolicy
	autoMerge bool
	cache     map[types.ObjectID]types.Object
	pending   []types.Change
}

func newObjectContext(c *Container, parent *ObjectContext) *ObjectContext {
	return &ObjectContext{
		container: c,
		parent:    parent,
		changes:   notify.NewHub[Changes]("object-context"),
		cache:     make(map[types.ObjectID]types.Object),
	}
}

func (oc *ObjectContext) Author() string {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.author
}

func (oc *ObjectContext) SetAuthor(author string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.author = author
}

func (oc *ObjectContext) MergePolicy() types.MergePolicy {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.policy
}

func (oc *ObjectContext) SetMergePolicy(p types.MergePolicy) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.policy = p
}

// AutomaticallyMergesChangesFromParent reports whether saves of child
// contexts are merged into this one.
func (oc *ObjectContext) AutomaticallyMergesChangesFromParent() bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.autoMerge
}

func (oc *ObjectContext) SetAutomaticallyMergesChangesFromParent(on bool) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.autoMerge = on
}

// SubscribeChanges registers fn for the changes this context sees.
func (oc *ObjectContext) SubscribeChanges(fn func(Changes)) (cancel func()) {
	return oc.changes.Subscribe(fn)
}

func (oc *ObjectContext) store() (*sqlite.Store, error) {
	s := oc.container.coordinator.Primary()
	if s == nil {
		return nil, stackerrors.E(component, stackerrors.KindUnavailable, ErrNotLoaded)
	}
	return s, nil
}

// Insert registers a new object and returns its identifier.
func (oc *ObjectContext) Insert(entity string, fields map[string]any) types.ObjectID {
	id := types.ObjectID{Entity: entity, ID: uuid.NewString()}
	oc.InsertWithID(id, fields)
	return id
}

// InsertWithID registers a new object with a caller chosen identifier.
func (oc *ObjectContext) InsertWithID(id types.ObjectID, fields map[string]any) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.pending = append(oc.pending, types.Change{Kind: types.ChangeInsert, Object: id, Fields: copyFields(fields)})
}

func (oc *ObjectContext) Update(id types.ObjectID, fields map[string]any) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.pending = append(oc.pending, types.Change{Kind: types.ChangeUpdate, Object: id, Fields: copyFields(fields)})
}

func (oc *ObjectContext) Delete(id types.ObjectID) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.pending = append(oc.pending, types.Change{Kind: types.ChangeDelete, Object: id})
}

func (oc *ObjectContext) HasChanges() bool {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return len(oc.pending) > 0
}

// Rollback discards unsaved changes.
func (oc *ObjectContext) Rollback() {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.pending = nil
}

// Get returns one object as this context sees it.
func (oc *ObjectContext) Get(ctx context.Context, id types.ObjectID) (types.Object, error) {
	s, err := oc.store()
	if err != nil {
		return types.Object{}, err
	}
	oc.mu.Lock()
	defer oc.mu.Unlock()

	var fields map[string]any
	if obj, ok := oc.cache[id]; ok {
		fields = obj.Fields
	} else {
		obj, err := s.Get(ctx, id)
		switch {
		case err == nil:
			fields = obj.Fields
			oc.cache[id] = obj
		case stackerrors.KindOf(err) != stackerrors.KindNotFound:
			return types.Object{}, err
		}
	}

	fields, exists := overlay(fields, fields != nil, oc.pending, id, oc.policy)
	if !exists {
		return types.Object{}, stackerrors.E(stackerrors.OpFetch, component, stackerrors.KindNotFound, sqlite.ErrNotFound, id.String())
	}
	return types.Object{ID: id, Fields: fields}, nil
}

// List returns every object of entity as this context sees it, ordered by id.
func (oc *ObjectContext) List(ctx context.Context, entity string) ([]types.Object, error) {
	s, err := oc.store()
	if err != nil {
		return nil, err
	}
	stored, err := s.List(ctx, entity)
	if err != nil {
		return nil, err
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	byID := make(map[types.ObjectID]map[string]any, len(stored))
	for _, obj := range stored {
		byID[obj.ID] = obj.Fields
	}
	for _, c := range oc.pending {
		if c.Object.Entity == entity {
			if _, ok := byID[c.Object]; !ok {
				byID[c.Object] = nil
			}
		}
	}

	out := make([]types.Object, 0, len(byID))
	for id, fields := range byID {
		merged, exists := overlay(fields, fields != nil, oc.pending, id, oc.policy)
		if exists {
			out = append(out, types.Object{ID: id, Fields: merged})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.ID < out[j].ID.ID })
	return out, nil
}

// FetchHistory queries the history of the container's primary store.
func (oc *ObjectContext) FetchHistory(ctx context.Context, q sqlite.HistoryQuery) ([]types.Transaction, error) {
	s, err := oc.store()
	if err != nil {
		return nil, stackerrors.WrapOpComponent(err, stackerrors.OpFetch, component)
	}
	return s.FetchHistory(ctx, q)
}

// overlay applies the pending changes of id on top of the stored fields.
func overlay(fields map[string]any, exists bool, pending []types.Change, id types.ObjectID, policy types.MergePolicy) (map[string]any, bool) {
	for _, c := range pending {
		if c.Object != id {
			continue
		}
		switch c.Kind {
		case types.ChangeDelete:
			fields, exists = nil, false
		default:
			fields, exists = policy.Apply(fields, c.Fields), true
		}
	}
	return fields, exists
}

// Save commits the pending changes as one transaction. A context without
// changes returns the zero Transaction. The saved changes are merged into the
// parent context when it merges automatically.
func (oc *ObjectContext) Save(ctx context.Context) (types.Transaction, error) {
	s, err := oc.store()
	if err != nil {
		return types.Transaction{}, stackerrors.WrapOpComponent(err, stackerrors.OpSave, component)
	}

	oc.mu.Lock()
	if len(oc.pending) == 0 {
		oc.mu.Unlock()
		return types.Transaction{}, nil
	}
	txn, err := s.Commit(ctx, oc.author, oc.policy, oc.pending)
	if err != nil {
		oc.mu.Unlock()
		return types.Transaction{}, stackerrors.WrapOpComponent(err, stackerrors.OpSave, component)
	}
	oc.pending = nil
	oc.invalidate(txn)
	oc.mu.Unlock()

	oc.changes.Publish(changesOf(txn))
	if oc.parent != nil && oc.parent.AutomaticallyMergesChangesFromParent() {
		oc.parent.MergeChanges(txn)
	}
	return txn, nil
}

// MergeChanges refreshes the objects txn touched and notifies subscribers.
func (oc *ObjectContext) MergeChanges(txn types.Transaction) {
	oc.mu.Lock()
	oc.invalidate(txn)
	oc.mu.Unlock()
	oc.changes.Publish(changesOf(txn))
}

func (oc *ObjectContext) invalidate(txn types.Transaction) {
	for _, c := range txn.Changes {
		delete(oc.cache, c.Object)
	}
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
