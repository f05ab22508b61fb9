package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var ErrEmptyURL = errors.New("url is required")

// Settings is the persisted interception configuration. ResponseWatch lists URLs
// whose next response is held even while response interception is off; each entry
// is removed when it fires.
type Settings struct {
	RequestsEnabled  bool     `json:"requestsEnabled"`
	ResponsesEnabled bool     `json:"responsesEnabled"`
	ResponseWatch    []string `json:"responseWatch"`
}

func (s Settings) clone() Settings {
	s.ResponseWatch = slices.Clone(s.ResponseWatch)
	if s.ResponseWatch == nil {
		s.ResponseWatch = []string{}
	}
	return s
}

type SettingsStore interface {
	LoadSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// SettingsUpdate changes only the fields that are set.
type SettingsUpdate struct {
	RequestsEnabled  *bool  `json:"requestsEnabled,omitempty"`
	ResponsesEnabled *bool  `json:"responsesEnabled,omitempty"`
	AddWatchURL      string `json:"addWatchUrl,omitempty"`
}

type settings struct {
	mu      sync.Mutex
	current Settings
	store   SettingsStore
}

func loadSettings(ctx context.Context, store SettingsStore) *settings {
	s := &settings{store: store}
	if store == nil {
		return s
	}
	loaded, err := store.LoadSettings(ctx)
	if err != nil {
		slog.Warn("Failed to load intercept settings, using defaults", slog.Any("error", err))
		return s
	}
	s.current = loaded.clone()
	return s
}

// apply computes the next settings with fn, persists them and only then makes them
// current. Must not be called with s.mu held.
func (s *settings) apply(ctx context.Context, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.clone()
	fn(&next)
	if s.store != nil {
		if err := s.store.SaveSettings(ctx, next); err != nil {
			return s.current.clone(), fmt.Errorf("save intercept settings: %w", err)
		}
	}
	s.current = next
	return next.clone(), nil
}

func (s *settings) get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

func (c *Coordinator) Settings() Settings {
	return c.settings.get()
}

func (c *Coordinator) RequestsEnabled() bool {
	return c.settings.get().RequestsEnabled
}

func (c *Coordinator) ResponsesEnabled() bool {
	return c.settings.get().ResponsesEnabled
}

func (c *Coordinator) SetRequestsEnabled(ctx context.Context, on bool) error {
	_, err := c.settings.apply(ctx, func(s *Settings) { s.RequestsEnabled = on })
	return err
}

func (c *Coordinator) SetResponsesEnabled(ctx context.Context, on bool) error {
	_, err := c.settings.apply(ctx, func(s *Settings) { s.ResponsesEnabled = on })
	return err
}

// AddResponseWatch arms a one-shot response hold for url. Adding a URL that is
// already watched is a no-op.
func (c *Coordinator) AddResponseWatch(ctx context.Context, url string) error {
	if url == "" {
		return ErrEmptyURL
	}
	_, err := c.settings.apply(ctx, func(s *Settings) {
		if !slices.Contains(s.ResponseWatch, url) {
			s.ResponseWatch = append(s.ResponseWatch, url)
		}
	})
	return err
}

func (c *Coordinator) UpdateSettings(ctx context.Context, u SettingsUpdate) (Settings, error) {
	return c.settings.apply(ctx, func(s *Settings) {
		if u.RequestsEnabled != nil {
			s.RequestsEnabled = *u.RequestsEnabled
		}
		if u.ResponsesEnabled != nil {
			s.ResponsesEnabled = *u.ResponsesEnabled
		}
		if u.AddWatchURL != "" && !slices.Contains(s.ResponseWatch, u.AddWatchURL) {
			s.ResponseWatch = append(s.ResponseWatch, u.AddWatchURL)
		}
	})
}

// ShouldHoldResponse reports whether the response for url must be held. A matching
// watch entry is consumed.
func (c *Coordinator) ShouldHoldResponse(ctx context.Context, url string) bool {
	s := c.settings
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.ResponsesEnabled {
		return true
	}
	i := slices.Index(s.current.ResponseWatch, url)
	if i < 0 {
		return false
	}
	s.current.ResponseWatch = slices.Delete(slices.Clone(s.current.ResponseWatch), i, i+1)
	if s.store != nil {
		if err := s.store.SaveSettings(ctx, s.current.clone()); err != nil {
			slog.Warn("Failed to persist consumed response watch", slog.String("url", url), slog.Any("error", err))
		}
	}
	return true
}

// MemorySettings is a SettingsStore that forgets everything on restart.
type MemorySettings struct {
	mu sync.Mutex
	s  Settings
}

func (m *MemorySettings) LoadSettings(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.clone(), nil
}

func (m *MemorySettings) SaveSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s.clone()
	return nil
}
