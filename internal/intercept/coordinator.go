package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("intercept item not found")
	ErrInvalidAction = errors.New("action must be send or drop")
)

type holder struct {
	item Item
	seq  uint64
	ch   chan Decision
}

// Coordinator suspends exchanges until an operator decides them. One Coordinator is
// shared by every ingress path of the process.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*holder
	seq     uint64

	settings *settings
	now      func() time.Time
}

func New(ctx context.Context, store SettingsStore) *Coordinator {
	return &Coordinator{
		pending:  make(map[string]*holder),
		settings: loadSettings(ctx, store),
		now:      time.Now,
	}
}

// HoldRequest blocks until the request is decided. If ctx ends first a drop decision
// is returned, but the item stays pending so the operator can still resolve it.
func (c *Coordinator) HoldRequest(ctx context.Context, r RequestHold) Decision {
	return c.hold(ctx, Item{
		Stage:   StageRequest,
		Method:  r.Method,
		URL:     r.URL,
		Headers: r.Headers.Clone(),
		Body:    r.Body,
	})
}

func (c *Coordinator) HoldResponse(ctx context.Context, r ResponseHold) Decision {
	status := r.Status
	return c.hold(ctx, Item{
		Stage:          StageResponse,
		Method:         r.Method,
		URL:            r.URL,
		Headers:        r.Headers.Clone(),
		ResponseStatus: &status,
		ResponseBody:   r.Body,
	})
}

func (c *Coordinator) hold(ctx context.Context, item Item) Decision {
	item.ID = uuid.NewString()
	item.CreatedAt = c.now()
	item.State = StatePending
	h := &holder{item: item, ch: make(chan Decision, 1)}

	c.mu.Lock()
	c.seq++
	h.seq = c.seq
	c.pending[item.ID] = h
	c.mu.Unlock()

	slog.Debug("Exchange held", slog.String("id", item.ID), slog.String("stage", string(item.Stage)), slog.String("url", item.URL))

	select {
	case d := <-h.ch:
		return d
	case <-ctx.Done():
		slog.Debug("Hold abandoned by client", slog.String("id", item.ID), slog.Any("error", ctx.Err()))
		return Drop
	}
}

// Decide resolves the pending item id exactly once. Content-Length overrides are
// discarded so the transport recomputes the length.
func (c *Coordinator) Decide(id string, d Decision) error {
	if d.Action != ActionSend && d.Action != ActionDrop {
		return ErrInvalidAction
	}

	c.mu.Lock()
	h, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c.resolve(h, d)
	return nil
}

// DecideAll applies action to every pending item and returns how many were resolved.
func (c *Coordinator) DecideAll(action Action) (int, error) {
	if action != ActionSend && action != ActionDrop {
		return 0, ErrInvalidAction
	}

	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*holder)
	c.mu.Unlock()

	for _, h := range all {
		c.resolve(h, Decision{Action: action})
	}
	return len(all), nil
}

func (c *Coordinator) resolve(h *holder, d Decision) {
	if d.Action == ActionSend {
		d.Overrides.Headers = stripContentLength(d.Overrides.Headers)
	} else {
		d.Overrides = Overrides{}
	}
	slog.Debug("Exchange decided", slog.String("id", h.item.ID), slog.String("action", string(d.Action)))
	h.ch <- d
}

// ListPending returns pending items, newest first.
func (c *Coordinator) ListPending() []Item {
	c.mu.Lock()
	hs := make([]*holder, 0, len(c.pending))
	for _, h := range c.pending {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	sort.Slice(hs, func(i, j int) bool { return hs[i].seq > hs[j].seq })
	items := make([]Item, len(hs))
	for i, h := range hs {
		items[i] = h.item
		items[i].Headers = h.item.Headers.Clone()
	}
	return items
}

func (c *Coordinator) Get(id string) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	item := h.item
	item.Headers = h.item.Headers.Clone()
	return item, nil
}

// Len reports the number of pending items.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
