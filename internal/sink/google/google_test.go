package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"creatorbills/internal/core"
	"creatorbills/internal/sink"

	goption "google.golang.org/api/option"
)

type fakeSheets struct {
	mu      sync.Mutex
	tabs    []string
	calls   []string
	written [][]any
}

func (f *fakeSheets) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/v4/spreadsheets/sheet-id"):
			f.calls = append(f.calls, "get")
			sheets := make([]map[string]any, 0, len(f.tabs))
			for _, tab := range f.tabs {
				sheets = append(sheets, map[string]any{"properties": map[string]any{"title": tab}})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
		case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
			f.calls = append(f.calls, "add")
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && strings.HasSuffix(path, ":clear"):
			f.calls = append(f.calls, "clear")
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPut && strings.Contains(path, "/values/"):
			f.calls = append(f.calls, "update")
			if got := r.URL.Query().Get("valueInputOption"); got != "RAW" {
				t.Errorf("valueInputOption = %q", got)
			}
			var body struct {
				Values [][]any `json:"values"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode update body: %v", err)
			}
			f.written = body.Values
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T, fake *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Options{
		SpreadsheetID: "sheet-id",
		ClientOptions: []goption.ClientOption{
			goption.WithEndpoint(srv.URL + "/"),
			goption.WithoutAuthentication(),
			goption.WithHTTPClient(srv.Client()),
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func testReport() core.Report {
	agg := core.Aggregation{Creators: map[string]*core.CreatorAggregate{
		"1": {Name: "Creator One", Currency: "USD", URL: "https://example.com/one", ByYear: map[int]int64{2024: 1000}},
	}}
	return core.BuildReport(agg, []int{2024}, nil)
}

func TestDeliverCreatesTabAndWritesReport(t *testing.T) {
	fake := &fakeSheets{tabs: []string{"Sheet1"}}
	c := newTestClient(t, fake)

	if err := c.Deliver(context.Background(), sink.Export{Report: testReport()}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if want := []string{"get", "add", "clear", "update"}; !reflect.DeepEqual(fake.calls, want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
	if len(fake.written) != 2 {
		t.Fatalf("expected header and one row, got %d rows", len(fake.written))
	}
	if fake.written[0][0] != "Creator" || fake.written[1][0] != "Creator One" {
		t.Fatalf("unexpected values: %v", fake.written)
	}
}

func TestDeliverReusesExistingTab(t *testing.T) {
	fake := &fakeSheets{tabs: []string{DefaultSheetName}}
	c := newTestClient(t, fake)

	if err := c.Deliver(context.Background(), sink.Export{Report: testReport()}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if want := []string{"get", "clear", "update"}; !reflect.DeepEqual(fake.calls, want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
}

func TestNewRequiresSpreadsheetAndCredentials(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without spreadsheet id")
	}
	if _, err := New(context.Background(), Options{SpreadsheetID: "x"}); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestQuoteSheet(t *testing.T) {
	if got := quoteSheet("Bob's Bills"); got != "'Bob''s Bills'" {
		t.Fatalf("quoteSheet = %q", got)
	}
}
