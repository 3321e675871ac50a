// Package dataflows provides the default data source adapters and registers
// them as tools: market quotes and candles, technical indicators computed
// locally, company fundamentals, company news, web news search, and social
// sentiment. Every adapter classifies its failures so the resilience layer
// can retry and break correctly; none performs I/O before its handler runs.
package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tradegraph/tradegraph/resilience"
)

// finnhubBaseURL is the production API endpoint; tests override it.
const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubClient fetches quotes, candles, fundamentals, and company news.
type FinnhubClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewFinnhubClient constructs a client. A nil httpClient uses a default with
// a conservative timeout; per-call deadlines come from the invoker's Timeout
// wrapper.
func NewFinnhubClient(apiKey string, httpClient *http.Client) *FinnhubClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &FinnhubClient{apiKey: apiKey, baseURL: finnhubBaseURL, http: httpClient}
}

// Quote is the latest price snapshot for a symbol.
type Quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
}

// Quote fetches the latest quote.
func (c *FinnhubClient) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var q Quote
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &q); err != nil {
		return nil, err
	}
	if q.Current == 0 && q.PrevClose == 0 {
		return nil, resilience.NewFailure(resilience.KindNoResults,
			fmt.Sprintf("no quote data for %s", symbol))
	}
	return &q, nil
}

// Candles is a daily OHLCV series.
type Candles struct {
	Close  []float64 `json:"c"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Open   []float64 `json:"o"`
	Volume []float64 `json:"v"`
	Times  []int64   `json:"t"`
	Status string    `json:"s"`
}

// Candles fetches up to days of daily bars ending at to.
func (c *FinnhubClient) Candles(ctx context.Context, symbol string, to time.Time, days int) (*Candles, error) {
	if days <= 0 {
		days = 90
	}
	from := to.AddDate(0, 0, -days)
	var candles Candles
	err := c.get(ctx, "/stock/candle", url.Values{
		"symbol":     {symbol},
		"resolution": {"D"},
		"from":       {fmt.Sprint(from.Unix())},
		"to":         {fmt.Sprint(to.Unix())},
	}, &candles)
	if err != nil {
		return nil, err
	}
	if candles.Status == "no_data" || len(candles.Close) == 0 {
		return nil, resilience.NewFailure(resilience.KindNoResults,
			fmt.Sprintf("no candle data for %s", symbol))
	}
	return &candles, nil
}

// Fundamentals is the basic-financials summary used by the fundamentals
// analyst.
type Fundamentals struct {
	Metric map[string]any `json:"metric"`
}

// Fundamentals fetches the basic financial metrics for a symbol.
func (c *FinnhubClient) Fundamentals(ctx context.Context, symbol string) (*Fundamentals, error) {
	var f Fundamentals
	if err := c.get(ctx, "/stock/metric", url.Values{"symbol": {symbol}, "metric": {"all"}}, &f); err != nil {
		return nil, err
	}
	if len(f.Metric) == 0 {
		return nil, resilience.NewFailure(resilience.KindNoResults,
			fmt.Sprintf("no fundamentals for %s", symbol))
	}
	return &f, nil
}

// NewsItem is one company news article.
type NewsItem struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	URL      string `json:"url"`
	Datetime int64  `json:"datetime"`
}

// CompanyNews fetches company news in the window ending at to.
func (c *FinnhubClient) CompanyNews(ctx context.Context, symbol string, to time.Time, days int) ([]NewsItem, error) {
	if days <= 0 {
		days = 7
	}
	from := to.AddDate(0, 0, -days)
	var items []NewsItem
	err := c.get(ctx, "/company-news", url.Values{
		"symbol": {symbol},
		"from":   {from.Format("2006-01-02")},
		"to":     {to.Format("2006-01-02")},
	}, &items)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, resilience.NewFailure(resilience.KindNoResults,
			fmt.Sprintf("no company news for %s", symbol))
	}
	return items, nil
}

// get issues a GET and decodes the JSON body, classifying transport and
// status failures.
func (c *FinnhubClient) get(ctx context.Context, path string, query url.Values, out any) error {
	query.Set("token", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return resilience.WrapFailure(resilience.KindValidationError, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resilience.Classify(&resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("finnhub %s: %s", path, string(body)),
		})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.WrapFailure(resilience.KindAPIError, "decode finnhub response", err)
	}
	return nil
}
