package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seclab/seclab/internal/ledger"
)

// Sink receives findings produced by plugins.
type Sink interface {
	RecordFinding(ctx context.Context, f ledger.Finding) (ledger.Finding, error)
}

// Plugin is a passive observer of exchanges. OnRequest sees the flow before
// dispatch, OnResponse sees the recorded flow.
type Plugin interface {
	ID() string
	OnRequest(ctx context.Context, flow *ledger.Flow, sink Sink)
	OnResponse(ctx context.Context, flow ledger.Flow, sink Sink)
}

// FindingCounter is notified for every finding a plugin records.
type FindingCounter interface {
	RecordFinding(severity string)
}

var builtins = map[string]func() Plugin{
	PassiveHeadersID: func() Plugin { return newPassiveHeaders() },
	NotFoundID:       func() Plugin { return notFound{} },
}

// Builtin returns the built-in plugin registered under id.
func Builtin(id string) (Plugin, error) {
	newFn, ok := builtins[id]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", id)
	}
	return newFn(), nil
}

// Runner invokes plugins in registration order. A nil *Runner does nothing.
type Runner struct {
	plugins []Plugin
	sink    Sink
}

func NewRunner(sink Sink, counter FindingCounter, plugins ...Plugin) *Runner {
	if counter != nil {
		sink = countingSink{Sink: sink, counter: counter}
	}
	return &Runner{plugins: plugins, sink: sink}
}

// NewRunnerFromIDs builds a Runner from built-in plugin ids.
func NewRunnerFromIDs(sink Sink, counter FindingCounter, ids []string) (*Runner, error) {
	plugins := make([]Plugin, 0, len(ids))
	for _, id := range ids {
		p, err := Builtin(id)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return NewRunner(sink, counter, plugins...), nil
}

func (r *Runner) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		ids[i] = p.ID()
	}
	return ids
}

func (r *Runner) OnRequest(ctx context.Context, flow *ledger.Flow) {
	if r == nil {
		return
	}
	for _, p := range r.plugins {
		r.guard(p, "OnRequest", func() { p.OnRequest(ctx, flow, r.sink) })
	}
}

func (r *Runner) OnResponse(ctx context.Context, flow ledger.Flow) {
	if r == nil {
		return
	}
	for _, p := range r.plugins {
		r.guard(p, "OnResponse", func() { p.OnResponse(ctx, flow, r.sink) })
	}
}

func (r *Runner) guard(p Plugin, hook string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("Plugin panicked", slog.String("plugin", p.ID()), slog.String("hook", hook), slog.Any("panic", v))
		}
	}()
	fn()
}

type countingSink struct {
	Sink
	counter FindingCounter
}

func (s countingSink) RecordFinding(ctx context.Context, f ledger.Finding) (ledger.Finding, error) {
	rec, err := s.Sink.RecordFinding(ctx, f)
	if err == nil {
		s.counter.RecordFinding(string(rec.Severity))
	}
	return rec, err
}

func report(ctx context.Context, sink Sink, f ledger.Finding) {
	if _, err := sink.RecordFinding(ctx, f); err != nil {
		slog.Warn("Failed to record finding", slog.String("plugin", f.Plugin), slog.String("title", f.Title), slog.Any("error", err))
	}
}
