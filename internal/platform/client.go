// Package platform talks to the creator platform's bill listing endpoint.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"creatorbills/internal/core"
	applog "creatorbills/internal/log"
)

const (
	DefaultPageSize  = 100
	DefaultPageDelay = 200 * time.Millisecond

	billsPath       = "/api/bills"
	maxResponseSize = 32 << 20
)

// Fixed query contract of the listing endpoint.
const (
	includeParam        = "post.campaign.null,campaign.null,card.null"
	campaignFieldsParam = "avatar_photo_image_urls,name,published_at,url,vanity,is_nsfw,id"
	postFieldsParam     = "is_paid,title"
	billFieldsParam     = "status,amount_cents,created_at,due_date,vat_charge_amount_cents,vat_subdivision_code,is_non_tax_bill,currency"
	cardFieldsParam     = "expiration_date,number,type"
	apiVersionParam     = "1.0"
)

// Options configures a Client. A zero PageDelay disables the delay between
// pages; other zero values fall back to defaults.
type Options struct {
	BaseURL    string
	SessionID  string
	UserAgent  string
	PageSize   int
	PageDelay  time.Duration
	Timeout    time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *applog.Logger
}

// Client fetches bills one year at a time.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	sessionID string
	userAgent string
	pageSize  int
	delay     time.Duration
	location  *time.Location
	logger    *applog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", opts.BaseURL)
	}

	c := &Client{
		http:      opts.HTTPClient,
		baseURL:   base,
		sessionID: opts.SessionID,
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		delay:     opts.PageDelay,
		location:  opts.Location,
		logger:    opts.Logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
	if c.http == nil {
		c.http = newHTTPClientWithPooling(opts.Timeout)
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.delay < 0 {
		c.delay = DefaultPageDelay
	}
	if c.location == nil {
		c.location = time.Local
	}
	if c.logger == nil {
		c.logger = applog.New(applog.DefaultConfig())
	}
	c.logger = c.logger.WithComponent(applog.ComponentFetcher)
	return c, nil
}

// newHTTPClientWithPooling creates an HTTP client with connection pooling,
// proper timeouts and keep-alive settings.
func newHTTPClientWithPooling(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// PageSize reports the number of records requested per page.
func (c *Client) PageSize() int {
	return c.pageSize
}

// BillsURL builds the listing URL for one page of one year.
func (c *Client) BillsURL(year, offset int) string {
	q := url.Values{}
	q.Set("timezone", timezoneName(c.location))
	q.Set("include", includeParam)
	q.Set("fields[campaign]", campaignFieldsParam)
	q.Set("fields[post]", postFieldsParam)
	q.Set("fields[bill]", billFieldsParam)
	q.Set("fields[card]", cardFieldsParam)
	q.Set("json-api-use-default-includes", "false")
	q.Set("filter[due_date_year]", strconv.Itoa(year))
	q.Set("page[offset]", strconv.Itoa(offset))
	q.Set("page[count]", strconv.Itoa(c.pageSize))
	q.Set("json-api-version", apiVersionParam)

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + billsPath
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchYear walks every page of bills due in year. It stops at the first
// page holding fewer than PageSize records. Any failed page aborts the
// whole year; nothing fetched so far is returned.
func (c *Client) FetchYear(ctx context.Context, year int, progress core.ProgressFunc) (core.YearResult, error) {
	result := core.YearResult{Creators: make(map[string]core.Creator)}

	for offset, page := 0, 1; ; offset, page = offset+c.pageSize, page+1 {
		body, err := c.get(ctx, year, offset)
		if err != nil {
			return core.YearResult{}, err
		}

		var doc document
		if err := json.Unmarshal(body, &doc); err != nil {
			return core.YearResult{}, &core.FetchError{Year: year, Offset: offset, Err: fmt.Errorf("decode response: %w", err)}
		}
		if err := collect(&result, doc, year); err != nil {
			return core.YearResult{}, &core.FetchError{Year: year, Offset: offset, Err: err}
		}

		totalPages := 0
		if count := gjson.GetBytes(body, "meta.count"); count.Exists() && count.Int() > 0 {
			totalPages = int((count.Int() + int64(c.pageSize) - 1) / int64(c.pageSize))
		}
		c.logger.DebugContext(ctx, "Fetched bills page", applog.NewFields().WithPage(year, page, totalPages, len(doc.Data)).ToSlice()...)
		if progress != nil {
			progress(year, page, totalPages, len(doc.Data))
		}

		if len(doc.Data) < c.pageSize {
			break
		}
		if err := c.sleep(ctx, c.delay); err != nil {
			return core.YearResult{}, &core.FetchError{Year: year, Offset: offset + c.pageSize, Err: err}
		}
	}

	c.logger.InfoContext(ctx, "Fetched bills for year",
		applog.FieldYear, year,
		applog.FieldRecords, len(result.Bills),
		"creators", len(result.Creators))
	return result, nil
}

// ListAvailableYears asks for the first page of the current year and reads
// the list of years with billing activity from the response metadata.
// The returned years are sorted newest first; the list may be empty.
func (c *Client) ListAvailableYears(ctx context.Context) ([]int, error) {
	year := c.now().In(c.location).Year()
	body, err := c.get(ctx, year, 0)
	if err != nil {
		return nil, err
	}

	seen := map[int]struct{}{}
	var years []int
	for _, v := range gjson.GetBytes(body, "meta.years").Array() {
		y := int(v.Int())
		if y <= 0 {
			continue
		}
		if _, ok := seen[y]; ok {
			continue
		}
		seen[y] = struct{}{}
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))

	c.logger.InfoContext(ctx, "Listed available years", applog.FieldYears, years)
	return years, nil
}

func (c *Client) get(ctx context.Context, year, offset int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BillsURL(year, offset), nil)
	if err != nil {
		return nil, &core.FetchError{Year: year, Offset: offset, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.api+json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: c.sessionID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &core.FetchError{Year: year, Offset: offset, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &core.FetchError{
			Year:       year,
			Offset:     offset,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &core.FetchError{Year: year, Offset: offset, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// collect appends the bills and campaigns of one page to result.
func collect(result *core.YearResult, doc document, year int) error {
	for _, r := range doc.Data {
		if r.Type != typeBill {
			continue
		}
		bill, err := r.toBill(year)
		if err != nil {
			return fmt.Errorf("decode bill %s: %w", r.ID, err)
		}
		result.Bills = append(result.Bills, bill)
	}
	for _, r := range doc.Included {
		if r.Type != typeCampaign {
			continue
		}
		creator, err := r.toCreator()
		if err != nil {
			return fmt.Errorf("decode campaign %s: %w", r.ID, err)
		}
		if creator.Name == "" {
			continue
		}
		result.Creators[creator.ID] = creator
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// timezoneName returns an IANA name for loc. time.Local has no usable name,
// so TZ is consulted before falling back to UTC.
func timezoneName(loc *time.Location) string {
	if loc == nil {
		return "UTC"
	}
	if name := loc.String(); name != "Local" {
		return name
	}
	if tz := strings.TrimPrefix(os.Getenv("TZ"), ":"); tz != "" {
		return tz
	}
	return "UTC"
}
