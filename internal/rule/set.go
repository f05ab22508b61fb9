package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Persister stores the ordered rule list as a whole.
type Persister interface {
	LoadRules(ctx context.Context) ([]Rule, error)
	SaveRules(ctx context.Context, rules []Rule) error
}

// Set is the ordered, mutable rule list shared by every ingress path. Each mutation
// is mirrored in full to the Persister before it becomes visible.
type Set struct {
	mu    sync.RWMutex
	rules []Rule
	store Persister
}

// patchable lists the top-level fields Update accepts; anything else is ignored.
var patchable = []string{"hostPattern", "pathPattern", "actions", "enabled"}

func NewSet(ctx context.Context, store Persister) (*Set, error) {
	s := &Set{store: store}
	if store == nil {
		return s, nil
	}
	rules, err := store.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			slog.Warn("Skipping stored rule", slog.String("id", r.ID), slog.Any("error", err))
			continue
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

func (s *Set) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.clone()
	}
	return out
}

func (s *Set) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.rules[i].clone(), nil
	}
	return Rule{}, ErrNotFound
}

// Match returns the rules applying to host and path, in list order.
func (s *Set) Match(host, path string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Match(s.rules, host, path)
}

// Add appends r, assigning an id when it has none.
func (s *Set) Add(ctx context.Context, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index(r.ID) >= 0 {
		return Rule{}, fmt.Errorf("%w: duplicate id %q", ErrInvalid, r.ID)
	}
	next := append(s.snapshot(), r.clone())
	if err := s.commit(ctx, next); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Update merges the top-level fields of the JSON object patch into the rule with
// the given id. Nested objects such as actions are replaced, not merged.
func (s *Set) Update(ctx context.Context, id string, patch []byte) (Rule, error) {
	if !gjson.ValidBytes(patch) || !gjson.ParseBytes(patch).IsObject() {
		return Rule{}, fmt.Errorf("%w: patch must be a JSON object", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return Rule{}, ErrNotFound
	}

	doc, err := json.Marshal(s.rules[i])
	if err != nil {
		return Rule{}, err
	}
	fields := gjson.GetManyBytes(patch, patchable...)
	for n, f := range fields {
		if !f.Exists() {
			continue
		}
		if doc, err = sjson.SetRawBytes(doc, patchable[n], []byte(f.Raw)); err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	var updated Rule
	if err := json.Unmarshal(doc, &updated); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return Rule{}, err
	}

	next := s.snapshot()
	next[i] = updated
	if err := s.commit(ctx, next); err != nil {
		return Rule{}, err
	}
	return updated.clone(), nil
}

func (s *Set) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	next := append(s.snapshot()[:i:i], s.rules[i+1:]...)
	return s.commit(ctx, next)
}

func (s *Set) index(id string) int {
	for i := range s.rules {
		if s.rules[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Set) snapshot() []Rule {
	return append([]Rule(nil), s.rules...)
}

// commit must be called with s.mu held.
func (s *Set) commit(ctx context.Context, next []Rule) error {
	if s.store != nil {
		if err := s.store.SaveRules(ctx, next); err != nil {
			return fmt.Errorf("save rules: %w", err)
		}
	}
	s.rules = next
	return nil
}
