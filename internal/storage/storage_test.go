package storage

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/seclab/seclab/internal/intercept"
	"github.com/seclab/seclab/internal/ledger"
	"github.com/seclab/seclab/internal/rule"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "seclab.db")
	db, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestFlowsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	l := ledger.New(db, 2048)

	status := 404
	body := "a=1&b=2"
	in := ledger.Flow{
		Method:              "POST",
		URL:                 "https://example.com/form",
		RequestHeaders:      http.Header{"Content-Type": {"application/x-www-form-urlencoded"}, "Cookie": {"a", "b"}},
		RequestBody:         &body,
		ResponseStatus:      &status,
		ResponseHeaders:     http.Header{"server": {"nginx"}},
		ResponseBodyPreview: "not found",
		Tags:                []string{ledger.TagDropped},
		Source:              ledger.SourceMITM,
	}
	rec, err := l.RecordFlow(ctx, in)
	if err != nil {
		t.Fatalf("RecordFlow: %v", err)
	}

	got, err := l.GetFlow(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if got.Method != in.Method || got.URL != in.URL || got.Source != in.Source {
		t.Errorf("got %+v", got)
	}
	if !reflect.DeepEqual(got.RequestHeaders, in.RequestHeaders) {
		t.Errorf("RequestHeaders = %v, want %v", got.RequestHeaders, in.RequestHeaders)
	}
	if !reflect.DeepEqual(got.ResponseHeaders, in.ResponseHeaders) {
		t.Errorf("ResponseHeaders = %v, want %v", got.ResponseHeaders, in.ResponseHeaders)
	}
	if *got.RequestBody != body || *got.ResponseStatus != 404 || !got.HasTag(ledger.TagDropped) {
		t.Errorf("body/status/tags = %v %v %v", *got.RequestBody, *got.ResponseStatus, got.Tags)
	}

	if _, err := l.GetFlow(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetFlow missing err = %v, want ErrNotFound", err)
	}
}

func TestFlowWithoutResponse(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	l := ledger.New(db, 0)

	rec, err := l.RecordFlow(ctx, ledger.Flow{Method: "GET", URL: "http://down/", Tags: []string{ledger.TagUpstreamError}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.GetFlow(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResponseStatus != nil || got.ResponseHeaders != nil {
		t.Errorf("expected no response, got %+v", got)
	}
}

func TestListFlowsSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	db, path := openTestDB(t)
	other, err := Open(path, false)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer other.Close()

	a := ledger.New(db, 0)
	b := ledger.New(other, 0)
	_, _ = a.RecordFlow(ctx, ledger.Flow{Method: "GET", URL: "http://first/"})
	_, _ = b.RecordFlow(ctx, ledger.Flow{Method: "GET", URL: "http://second/"})

	flows, err := a.ListFlows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(flows) != 2 || flows[0].URL != "http://second/" || flows[1].URL != "http://first/" {
		t.Errorf("flows = %+v", flows)
	}
}

func TestUndecodableFlowSkipped(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	l := ledger.New(db, 0)
	_, _ = l.RecordFlow(ctx, ledger.Flow{Method: "GET", URL: "http://good/"})

	bad := flowRecord{ID: "bad", Method: "GET", URL: "http://bad/", RequestHeaders: "{not json"}
	if err := db.gorm.Create(&bad).Error; err != nil {
		t.Fatal(err)
	}

	flows, err := l.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if len(flows) != 1 || flows[0].URL != "http://good/" {
		t.Errorf("flows = %+v", flows)
	}
	if _, err := l.GetFlow(ctx, "bad"); err == nil || errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetFlow(bad) err = %v, want decode error", err)
	}
}

func TestFindings(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	l := ledger.New(db, 0)

	for _, title := range []string{"first", "second"} {
		if _, err := l.RecordFinding(ctx, ledger.Finding{
			Type: ledger.FindingPassive, Title: title, Severity: ledger.SeverityMedium,
			URL: "http://x/", Plugin: "passive-headers",
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.ListFindings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Title != "second" || got[1].Severity != ledger.SeverityMedium {
		t.Errorf("findings = %+v", got)
	}
}

func TestRulesPersistOrder(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	set, err := rule.NewSet(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"c", "a", "b"} {
		if _, err := set.Add(ctx, rule.Rule{ID: id, HostPattern: id + ".test", Enabled: true,
			Actions: rule.Actions{AddHeaders: map[string]string{"x-id": id}}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := set.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := rule.NewSet(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.List()
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("rules = %+v", got)
	}
	if got[1].Actions.AddHeaders["x-id"] != "b" {
		t.Errorf("actions lost: %+v", got[1].Actions)
	}
}

func TestSettingsUpsert(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	empty, err := db.LoadSettings(ctx)
	if err != nil || empty.RequestsEnabled || len(empty.ResponseWatch) != 0 {
		t.Fatalf("LoadSettings on empty db = %+v, %v", empty, err)
	}

	c := intercept.New(ctx, db)
	if err := c.SetRequestsEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.AddResponseWatch(ctx, "http://w/"); err != nil {
		t.Fatal(err)
	}
	if !c.ShouldHoldResponse(ctx, "http://w/") {
		t.Fatal("watch not armed")
	}

	got, err := db.LoadSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RequestsEnabled || len(got.ResponseWatch) != 0 {
		t.Errorf("LoadSettings = %+v", got)
	}
}

func TestMemoryDatabase(t *testing.T) {
	db, err := Open(Memory, false)
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	defer db.Close()
	l := ledger.New(db, 0)
	if _, err := l.RecordFlow(context.Background(), ledger.Flow{Method: "GET", URL: "http://m/"}); err != nil {
		t.Fatal(err)
	}
	flows, _ := l.ListFlows(context.Background())
	if len(flows) != 1 {
		t.Errorf("len(flows) = %d, want 1", len(flows))
	}
}
