// Package subscription maps projects to their webhook notification targets.
//
// The registry is read-mostly: Lookup runs on the delivery hot path, while
// updates are rare operator actions. Writers rebuild an immutable snapshot
// and swap it atomically, so concurrent readers never observe a
// partially-updated list.
package subscription

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tayang/internal/event"
	logx "tayang/pkg/logx"
)

// Subscription is one configured notification target for one project.
type Subscription struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	TargetURL string
	Locale    string
	// Kinds filters which event kinds this target receives.
	// Empty means all kinds.
	Kinds []event.Kind
}

// Matches reports whether this subscription wants events of kind k.
func (s Subscription) Matches(k event.Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, want := range s.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Persister is the optional write-through backing store.
// The sqlite event log implements it; tests usually pass nil.
type Persister interface {
	SaveSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
}

type snapshot struct {
	byProject map[uuid.UUID][]Subscription
	byID      map[uuid.UUID]Subscription
}

type Registry struct {
	log   logx.Logger
	store Persister

	// mu serializes writers only; readers go through snap.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

func NewRegistry(store Persister, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, store: store}
	r.snap.Store(&snapshot{
		byProject: map[uuid.UUID][]Subscription{},
		byID:      map[uuid.UUID]Subscription{},
	})
	return r
}

// Load replaces the in-memory snapshot with the persisted subscription set.
// Called once at startup; a missing store is not an error.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	subs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := &snapshot{
		byProject: map[uuid.UUID][]Subscription{},
		byID:      map[uuid.UUID]Subscription{},
	}
	for _, s := range subs {
		next.byID[s.ID] = s
		next.byProject[s.ProjectID] = append(next.byProject[s.ProjectID], s)
	}
	sortSnapshot(next)
	r.snap.Store(next)
	r.log.Info("subscriptions loaded", logx.Int("count", len(subs)))
	return nil
}

// Put validates and upserts a subscription, then swaps in a new snapshot.
func (r *Registry) Put(ctx context.Context, s Subscription) error {
	if err := validate(&s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSubscription(ctx, s); err != nil {
			return fmt.Errorf("persist subscription: %w", err)
		}
	}

	next := r.cloneLocked()
	if prev, ok := next.byID[s.ID]; ok {
		next.byProject[prev.ProjectID] = removeID(next.byProject[prev.ProjectID], s.ID)
	}
	next.byID[s.ID] = s
	next.byProject[s.ProjectID] = append(next.byProject[s.ProjectID], s)
	sortSnapshot(next)
	r.snap.Store(next)
	return nil
}

// Remove deletes a subscription by ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	prev, ok := cur.byID[id]
	if !ok {
		return nil
	}

	if r.store != nil {
		if err := r.store.DeleteSubscription(ctx, id); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
	}

	next := r.cloneLocked()
	delete(next.byID, id)
	next.byProject[prev.ProjectID] = removeID(next.byProject[prev.ProjectID], id)
	if len(next.byProject[prev.ProjectID]) == 0 {
		delete(next.byProject, prev.ProjectID)
	}
	r.snap.Store(next)
	return nil
}

// Lookup returns the subscriptions for projectID that want events of kind k,
// in stable (creation) order. The returned slice is freshly allocated.
func (r *Registry) Lookup(projectID uuid.UUID, k event.Kind) []Subscription {
	cur := r.snap.Load()
	all := cur.byProject[projectID]
	out := make([]Subscription, 0, len(all))
	for _, s := range all {
		if s.Matches(k) {
			out = append(out, s)
		}
	}
	return out
}

// Len reports the total number of registered subscriptions.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}

func (r *Registry) cloneLocked() *snapshot {
	cur := r.snap.Load()
	next := &snapshot{
		byProject: make(map[uuid.UUID][]Subscription, len(cur.byProject)),
		byID:      make(map[uuid.UUID]Subscription, len(cur.byID)),
	}
	for id, s := range cur.byID {
		next.byID[id] = s
	}
	for pid, subs := range cur.byProject {
		next.byProject[pid] = append([]Subscription(nil), subs...)
	}
	return next
}

func validate(s *Subscription) error {
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate subscription id: %w", err)
		}
		s.ID = id
	}
	if s.ProjectID == uuid.Nil {
		return fmt.Errorf("subscription project_id must not be empty")
	}
	raw := strings.TrimSpace(s.TargetURL)
	if raw == "" {
		return fmt.Errorf("subscription target_url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("subscription target_url %q is not a valid http(s) URL", raw)
	}
	s.TargetURL = raw
	for _, k := range s.Kinds {
		if _, err := event.ParseKind(string(k)); err != nil {
			return err
		}
	}
	return nil
}

func removeID(subs []Subscription, id uuid.UUID) []Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

// sortSnapshot keeps per-project lists in creation order. Subscription IDs
// are UUIDv7, so lexical order is creation order.
func sortSnapshot(s *snapshot) {
	for _, subs := range s.byProject {
		sort.Slice(subs, func(i, j int) bool {
			return subs[i].ID.String() < subs[j].ID.String()
		})
	}
}
