package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"creatorbills/internal/core"
	applog "creatorbills/internal/log"
)

// billsServer serves total bills for one year, split by page[offset]/page[count].
func billsServer(t *testing.T, total int, requests *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("page[offset]"))
		count, _ := strconv.Atoi(q.Get("page[count]"))
		year := q.Get("filter[due_date_year]")

		var data []string
		for i := offset; i < total && i < offset+count; i++ {
			data = append(data, fmt.Sprintf(`{"id":"b%d","type":"bill","attributes":{"amount_cents":100,"vat_charge_amount_cents":null,"currency":"usd","due_date":"%s-02-01T08:00:00.000+00:00"},"relationships":{"campaign":{"data":{"id":"c%d","type":"campaign"}},"post":{"data":null}}}`, i, year, i%2))
		}
		included := `[{"id":"c0","type":"campaign","attributes":{"name":"Zero","url":"https://example.com/zero"}},{"id":"c1","type":"campaign","attributes":{"name":"One","url":"https://example.com/one"}},{"id":"x","type":"card","attributes":{}}]`
		w.Header().Set("Content-Type", "application/vnd.api+json")
		fmt.Fprintf(w, `{"data":[%s],"included":%s,"meta":{"count":%d}}`, strings.Join(data, ","), included, total)
	}))
}

func newTestClient(t *testing.T, baseURL string, pageSize int) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:   baseURL,
		SessionID: "sess",
		PageSize:  pageSize,
		Location:  time.UTC,
		Logger:    applog.Discard(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestFetchYearRequestsCeilPages(t *testing.T) {
	cases := []struct {
		total, pageSize, wantRequests int
	}{
		{total: 250, pageSize: 100, wantRequests: 3},
		{total: 99, pageSize: 100, wantRequests: 1},
		{total: 0, pageSize: 100, wantRequests: 1},
		{total: 7, pageSize: 3, wantRequests: 3},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("total_%d_size_%d", tc.total, tc.pageSize), func(t *testing.T) {
			var requests int32
			srv := billsServer(t, tc.total, &requests)
			defer srv.Close()

			c := newTestClient(t, srv.URL, tc.pageSize)
			var sleeps int
			c.sleep = func(ctx context.Context, d time.Duration) error { sleeps++; return nil }

			res, err := c.FetchYear(context.Background(), 2024, nil)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if int(requests) != tc.wantRequests {
				t.Fatalf("requests = %d, want %d", requests, tc.wantRequests)
			}
			if sleeps != tc.wantRequests-1 {
				t.Fatalf("sleeps = %d, want %d (no delay after final page)", sleeps, tc.wantRequests-1)
			}
			if len(res.Bills) != tc.total {
				t.Fatalf("bills = %d, want %d", len(res.Bills), tc.total)
			}
		})
	}
}

// An exact multiple of the page size needs one extra, empty page to stop.
func TestFetchYearExactMultipleNeedsTrailingPage(t *testing.T) {
	var requests int32
	srv := billsServer(t, 200, &requests)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	if _, err := c.FetchYear(context.Background(), 2024, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if requests != 3 {
		t.Fatalf("requests = %d, want 3", requests)
	}
}

func TestFetchYearDecodesBillsAndCreators(t *testing.T) {
	var requests int32
	srv := billsServer(t, 3, &requests)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100)
	res, err := c.FetchYear(context.Background(), 2023, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b := res.Bills[0]
	if b.ID != "b0" || b.Amount != 100 || b.TaxAmount != nil || b.Currency != "USD" || b.CreatorID != "c0" || b.DueYear != 2023 {
		t.Fatalf("unexpected bill: %+v", b)
	}
	if len(res.Creators) != 2 || res.Creators["c1"].Name != "One" || res.Creators["c1"].URL != "https://example.com/one" {
		t.Fatalf("unexpected creators: %+v", res.Creators)
	}
}

func TestFetchYearReportsProgress(t *testing.T) {
	var requests int32
	srv := billsServer(t, 5, &requests)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	type call struct{ year, page, total, records int }
	var calls []call
	_, err := c.FetchYear(context.Background(), 2022, func(year, page, total, records int) {
		calls = append(calls, call{year, page, total, records})
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []call{{2022, 1, 3, 2}, {2022, 2, 3, 2}, {2022, 3, 3, 1}}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("progress calls = %v, want %v", calls, want)
	}
}

func TestFetchYearFailsOnStatus(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 2 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		var data []string
		for i := 0; i < 2; i++ {
			data = append(data, `{"id":"b","type":"bill","attributes":{"amount_cents":1,"currency":"USD"}}`)
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(data, ","))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	res, err := c.FetchYear(context.Background(), 2021, nil)

	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Year != 2021 || fe.Offset != 2 || fe.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected error context: %+v", fe)
	}
	if res.Bills != nil || res.Creators != nil {
		t.Fatalf("expected no partial result, got %+v", res)
	}
	if requests != 2 {
		t.Fatalf("expected no retry, requests = %d", requests)
	}
}

func TestFetchYearFailsOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c := newTestClient(t, baseURL, 100)
	_, err := c.FetchYear(context.Background(), 2020, nil)
	var fe *core.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 0 || fe.Offset != 0 {
		t.Fatalf("expected transport FetchError, got %v", err)
	}
}

func TestFetchYearFailsOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": "nope"`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 100).FetchYear(context.Background(), 2020, nil)
	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestFetchYearHonoursCancellationDuringDelay(t *testing.T) {
	var requests int32
	srv := billsServer(t, 10, &requests)
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	c.delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.FetchYear(ctx, 2024, func(int, int, int, int) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
}

func TestBillsURLContract(t *testing.T) {
	c := newTestClient(t, "https://www.example.com", 100)
	c.location, _ = time.LoadLocation("Europe/Rome")

	u, err := url.Parse(c.BillsURL(2024, 200))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/api/bills" {
		t.Fatalf("path = %s", u.Path)
	}
	want := map[string]string{
		"timezone":                      "Europe/Rome",
		"include":                       includeParam,
		"fields[campaign]":              campaignFieldsParam,
		"fields[post]":                  postFieldsParam,
		"fields[bill]":                  billFieldsParam,
		"fields[card]":                  cardFieldsParam,
		"json-api-use-default-includes": "false",
		"filter[due_date_year]":         "2024",
		"page[offset]":                  "200",
		"page[count]":                   "100",
		"json-api-version":              "1.0",
	}
	q := u.Query()
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if len(q) != len(want) {
		t.Errorf("unexpected extra parameters: %v", q)
	}
}

func TestRequestCarriesSessionCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session_id")
		if err != nil || cookie.Value != "sess" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, 100).FetchYear(context.Background(), 2024, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}

func TestListAvailableYears(t *testing.T) {
	var gotYear string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotYear = r.URL.Query().Get("filter[due_date_year]")
		fmt.Fprint(w, `{"data":[],"meta":{"count":0,"years":[2021,"2023",2022,2023]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	years, err := c.ListAvailableYears(context.Background())
	if err != nil {
		t.Fatalf("list years: %v", err)
	}
	if gotYear != "2025" {
		t.Fatalf("requested year = %s, want 2025", gotYear)
	}
	if fmt.Sprint(years) != "[2023 2022 2021]" {
		t.Fatalf("years = %v", years)
	}
}

func TestListAvailableYearsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[],"meta":{}}`)
	}))
	defer srv.Close()

	years, err := newTestClient(t, srv.URL, 100).ListAvailableYears(context.Background())
	if err != nil || len(years) != 0 {
		t.Fatalf("expected empty list, got %v (err=%v)", years, err)
	}
}

func TestFetchYearKeepsBillsInListedYear(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cases := []struct {
		name    string
		dueDate string
	}{
		{"utc offset in next year", "2024-01-01T03:00:00.000+00:00"},
		{"local new year eve", "2023-12-31T19:00:00.000-08:00"},
		{"date only", "2023-06-01"},
		{"unparseable", "garbage"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotZone string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotZone = r.URL.Query().Get("timezone")
				fmt.Fprintf(w, `{"data":[{"id":"b1","type":"bill","attributes":{"amount_cents":1500,"currency":"USD","due_date":%q},"relationships":{"campaign":{"data":{"id":"c1","type":"campaign"}}}}],"included":[{"id":"c1","type":"campaign","attributes":{"name":"Alice","url":"u"}}]}`, tc.dueDate)
			}))
			defer srv.Close()

			c, err := New(Options{BaseURL: srv.URL, PageSize: 100, Location: la, Logger: applog.Discard()})
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			res, err := c.FetchYear(context.Background(), 2023, nil)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if gotZone != "America/Los_Angeles" {
				t.Fatalf("timezone = %q", gotZone)
			}
			if len(res.Bills) != 1 || res.Bills[0].DueYear != 2023 {
				t.Fatalf("bill not kept in 2023: %+v", res.Bills)
			}

			agg := core.Aggregate(map[int]core.YearResult{2023: res})
			report := core.BuildReport(agg, []int{2023}, core.NewMoneyFormatter(core.DefaultLocale))
			rows := report.Records()
			if len(rows) != 2 || rows[1][3] != "$15.00" || rows[1][4] != "$15.00" {
				t.Fatalf("unexpected report rows: %v", rows)
			}
		})
	}
}
