package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const (
	MinPreviewLimit     = 2048
	DefaultPreviewLimit = 4096
)

// Store is the durable backing of a Ledger. List methods return newest first.
type Store interface {
	AppendFlow(ctx context.Context, f Flow) error
	ListFlows(ctx context.Context) ([]Flow, error)
	GetFlow(ctx context.Context, id string) (Flow, error)
	AppendFinding(ctx context.Context, f Finding) error
	ListFindings(ctx context.Context) ([]Finding, error)
}

type Listener func(Event)

type listener struct {
	fn     Listener
	active atomic.Bool
}

// Ledger records flows and findings and publishes them to subscribers. Publication is
// synchronous: RecordFlow returns after every subscriber has seen the event.
type Ledger struct {
	store        Store
	previewLimit int
	now          func() time.Time

	mu        sync.Mutex
	listeners []*listener
}

func New(store Store, previewLimit int) *Ledger {
	if previewLimit < MinPreviewLimit || previewLimit > DefaultPreviewLimit {
		previewLimit = DefaultPreviewLimit
	}
	return &Ledger{
		store:        store,
		previewLimit: previewLimit,
		now:          time.Now,
	}
}

func (l *Ledger) PreviewLimit() int {
	return l.previewLimit
}

// RecordFlow stamps f with an id and timestamp when absent, truncates its body
// preview, persists it and publishes flow:new.
func (l *Ledger) RecordFlow(ctx context.Context, f Flow) (Flow, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = l.now()
	}
	f.RequestHeaders = f.RequestHeaders.Clone()
	f.ResponseHeaders = f.ResponseHeaders.Clone()
	f.Tags = append([]string(nil), f.Tags...)
	f.ResponseBodyPreview = TruncatePreview(f.ResponseBodyPreview, l.previewLimit)

	if err := l.store.AppendFlow(ctx, f); err != nil {
		return Flow{}, fmt.Errorf("append flow: %w", err)
	}
	ev := f
	l.publish(Event{Type: EventFlowNew, Flow: &ev})
	return f, nil
}

func (l *Ledger) RecordFinding(ctx context.Context, f Finding) (Finding, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = l.now()
	}
	if err := l.store.AppendFinding(ctx, f); err != nil {
		return Finding{}, fmt.Errorf("append finding: %w", err)
	}
	ev := f
	l.publish(Event{Type: EventFindingNew, Finding: &ev})
	return f, nil
}

// ListFlows reads the store on every call so flows appended by other processes
// sharing it are included.
func (l *Ledger) ListFlows(ctx context.Context) ([]Flow, error) {
	return l.store.ListFlows(ctx)
}

func (l *Ledger) GetFlow(ctx context.Context, id string) (Flow, error) {
	return l.store.GetFlow(ctx, id)
}

func (l *Ledger) ListFindings(ctx context.Context) ([]Finding, error) {
	return l.store.ListFindings(ctx)
}

// Subscribe registers fn for every subsequent event. The returned function removes
// it; it may be called more than once and from inside fn.
func (l *Ledger) Subscribe(fn Listener) (unsubscribe func()) {
	ln := &listener{fn: fn}
	ln.active.Store(true)

	l.mu.Lock()
	l.listeners = append(l.listeners, ln)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ln.active.Store(false)
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, other := range l.listeners {
				if other == ln {
					l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *Ledger) publish(ev Event) {
	l.mu.Lock()
	snapshot := append([]*listener(nil), l.listeners...)
	l.mu.Unlock()

	for _, ln := range snapshot {
		if !ln.active.Load() {
			continue
		}
		deliver(ln.fn, ev)
	}
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ledger listener panic", slog.String("event", string(ev.Type)), slog.Any("panic", r))
		}
	}()
	fn(ev)
}

// TruncatePreview cuts s to at most limit bytes without splitting a UTF-8 sequence.
func TruncatePreview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
