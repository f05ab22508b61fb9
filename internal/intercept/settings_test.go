package intercept

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type flakySettings struct {
	MemorySettings
	loadErr error
	saveErr error
	saves   int
}

func (f *flakySettings) LoadSettings(ctx context.Context) (Settings, error) {
	if f.loadErr != nil {
		return Settings{}, f.loadErr
	}
	return f.MemorySettings.LoadSettings(ctx)
}

func (f *flakySettings) SaveSettings(ctx context.Context, s Settings) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	return f.MemorySettings.SaveSettings(ctx, s)
}

func TestSettingsPersisted(t *testing.T) {
	ctx := context.Background()
	store := &MemorySettings{}
	c := New(ctx, store)

	if c.RequestsEnabled() || c.ResponsesEnabled() {
		t.Fatal("interception should default to off")
	}
	if err := c.SetRequestsEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetResponsesEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.AddResponseWatch(ctx, "http://a/"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddResponseWatch(ctx, "http://a/"); err != nil {
		t.Fatal(err)
	}

	reloaded := New(ctx, store)
	want := Settings{RequestsEnabled: true, ResponsesEnabled: true, ResponseWatch: []string{"http://a/"}}
	if got := reloaded.Settings(); !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded settings = %+v, want %+v", got, want)
	}
}

func TestAddResponseWatchEmptyURL(t *testing.T) {
	c := New(context.Background(), nil)
	if err := c.AddResponseWatch(context.Background(), ""); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("err = %v, want ErrEmptyURL", err)
	}
}

func TestShouldHoldResponseConsumesWatch(t *testing.T) {
	ctx := context.Background()
	store := &flakySettings{}
	c := New(ctx, store)
	_ = c.AddResponseWatch(ctx, "http://a/x")
	_ = c.AddResponseWatch(ctx, "http://b/")

	if c.ShouldHoldResponse(ctx, "http://other/") {
		t.Error("unwatched URL should not be held")
	}
	if !c.ShouldHoldResponse(ctx, "http://a/x") {
		t.Fatal("watched URL should be held")
	}
	if c.ShouldHoldResponse(ctx, "http://a/x") {
		t.Error("watch entry should be one-shot")
	}
	if got := c.Settings().ResponseWatch; !reflect.DeepEqual(got, []string{"http://b/"}) {
		t.Errorf("ResponseWatch = %v", got)
	}
	persisted, _ := store.MemorySettings.LoadSettings(ctx)
	if !reflect.DeepEqual(persisted.ResponseWatch, []string{"http://b/"}) {
		t.Errorf("persisted ResponseWatch = %v", persisted.ResponseWatch)
	}

	_ = c.SetResponsesEnabled(ctx, true)
	if !c.ShouldHoldResponse(ctx, "http://other/") || !c.ShouldHoldResponse(ctx, "http://other/") {
		t.Error("global response interception should hold every response")
	}
	if got := c.Settings().ResponseWatch; len(got) != 1 {
		t.Errorf("watch list consumed while global flag on: %v", got)
	}
}

func TestUpdateSettingsPartial(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, &MemorySettings{})
	on := true
	got, err := c.UpdateSettings(ctx, SettingsUpdate{RequestsEnabled: &on, AddWatchURL: "http://w/"})
	if err != nil {
		t.Fatal(err)
	}
	want := Settings{RequestsEnabled: true, ResponseWatch: []string{"http://w/"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UpdateSettings = %+v, want %+v", got, want)
	}
}

func TestSettingsSaveFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	store := &flakySettings{saveErr: errors.New("read-only")}
	c := New(ctx, store)

	if err := c.SetRequestsEnabled(ctx, true); err == nil {
		t.Fatal("expected error")
	}
	if c.RequestsEnabled() {
		t.Error("failed save should not change settings")
	}
}

func TestSettingsLoadFailureUsesDefaults(t *testing.T) {
	c := New(context.Background(), &flakySettings{loadErr: errors.New("corrupt")})
	if got := c.Settings(); got.RequestsEnabled || got.ResponsesEnabled || len(got.ResponseWatch) != 0 {
		t.Errorf("Settings = %+v, want defaults", got)
	}
}
