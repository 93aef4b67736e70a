package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/personagate/internal/logstore"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// ErrUsageTruncated is returned when the provider report spans more pages
// than Completions follows.
var ErrUsageTruncated = errors.New("usage API report truncated")

// ErrUsageAPIDisabled is returned by Reconcile when no provider is configured.
var ErrUsageAPIDisabled = errors.New("usage API key not configured")

// Totals are request and token counts for a period.
type Totals struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// UsageAPI reports provider-side completion usage for [start, end).
type UsageAPI interface {
	Completions(ctx context.Context, start, end time.Time) (*Totals, error)
}

// Discrepancy compares one metric.
type Discrepancy struct {
	Local      int64   `json:"local"`
	Remote     int64   `json:"remote"`
	Difference int64   `json:"difference"`
	Percent    float64 `json:"percent_difference"`
}

// Reconciliation is the local versus provider usage report.
type Reconciliation struct {
	Start      string                 `json:"start_date"`
	End        string                 `json:"end_date"`
	Local      Totals                 `json:"local_stats"`
	Remote     Totals                 `json:"openai_stats"`
	Comparison map[string]Discrepancy `json:"comparison"`
}

func compare(local, remote int64) Discrepancy {
	d := Discrepancy{Local: local, Remote: remote, Difference: local - remote}
	if remote != 0 {
		d.Percent = float64(d.Difference) / float64(remote) * 100
	}
	return d
}

// Reconcile compares local usage records in r with the provider's report.
// Open bounds default to the last seven days.
func (e *Engine) Reconcile(ctx context.Context, r logstore.DateRange) (*Reconciliation, error) {
	if e.provider == nil {
		return nil, ErrUsageAPIDisabled
	}

	recent := e.RecentRange(7)
	if r.Start == "" {
		r.Start = recent.Start
	}
	if r.End == "" {
		r.End = recent.End
	}
	loc := e.src.Now().Location()
	start, err := time.ParseInLocation(logstore.DateKeyLayout, r.Start, loc)
	if err != nil {
		return nil, dateError("start_date", r.Start)
	}
	end, err := time.ParseInLocation(logstore.DateKeyLayout, r.End, loc)
	if err != nil {
		return nil, dateError("end_date", r.End)
	}
	end = end.AddDate(0, 0, 1)

	rep := &Reconciliation{Start: r.Start, End: r.End}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records, err := e.src.ReadUsage(gctx, r)
		if err != nil {
			return fmt.Errorf("read usage: %w", err)
		}
		for _, rec := range records {
			if rec.Error != "" {
				continue
			}
			rep.Local.Requests++
			rep.Local.InputTokens += rec.PromptTokens
			rep.Local.OutputTokens += rec.CompletionTokens
			rep.Local.TotalTokens += rec.TotalTokens
		}
		return nil
	})
	g.Go(func() error {
		remote, err := e.provider.Completions(gctx, start, end)
		if err != nil {
			return fmt.Errorf("fetch provider usage: %w", err)
		}
		rep.Remote = *remote
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep.Comparison = map[string]Discrepancy{
		"requests":      compare(rep.Local.Requests, rep.Remote.Requests),
		"input_tokens":  compare(rep.Local.InputTokens, rep.Remote.InputTokens),
		"output_tokens": compare(rep.Local.OutputTokens, rep.Remote.OutputTokens),
		"total_tokens":  compare(rep.Local.TotalTokens, rep.Remote.TotalTokens),
	}
	return rep, nil
}

// OpenAIUsage reads the organization usage endpoint. It needs an admin key.
type OpenAIUsage struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIUsage creates a usage client. An empty baseURL uses the public API.
func NewOpenAIUsage(apiKey, baseURL string, client *http.Client) *OpenAIUsage {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAIUsage{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

const maxUsagePages = 20

// Completions sums daily completion buckets in [start, end), following
// pagination.
func (o *OpenAIUsage) Completions(ctx context.Context, start, end time.Time) (*Totals, error) {
	totals := &Totals{}
	page := ""
	for i := 0; i < maxUsagePages; i++ {
		body, err := o.fetch(ctx, start, end, page)
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(body) {
			return nil, errors.New("usage API returned invalid JSON")
		}

		gjson.GetBytes(body, "data.#.results|@flatten").ForEach(func(_, r gjson.Result) bool {
			in := r.Get("input_tokens").Int()
			out := r.Get("output_tokens").Int()
			totals.Requests += r.Get("num_model_requests").Int()
			totals.InputTokens += in
			totals.OutputTokens += out
			totals.TotalTokens += in + out
			return true
		})

		if !gjson.GetBytes(body, "has_more").Bool() {
			return totals, nil
		}
		page = gjson.GetBytes(body, "next_page").String()
		if page == "" {
			return totals, nil
		}
	}
	return nil, fmt.Errorf("%w: more than %d pages", ErrUsageTruncated, maxUsagePages)
}

func (o *OpenAIUsage) fetch(ctx context.Context, start, end time.Time, page string) ([]byte, error) {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(start.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(end.Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("limit", "31")
	if page != "" {
		q.Set("page", page)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.baseURL+"/v1/organization/usage/completions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("usage API returned %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}
