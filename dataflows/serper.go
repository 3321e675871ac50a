package dataflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tradegraph/tradegraph/resilience"
)

// serperBaseURL is the production endpoint; tests override it.
const serperBaseURL = "https://google.serper.dev"

// SerperClient searches web news. It backs the news analyst's search tool.
type SerperClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewSerperClient constructs a client.
func NewSerperClient(apiKey string, httpClient *http.Client) *SerperClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SerperClient{apiKey: apiKey, baseURL: serperBaseURL, http: httpClient}
}

// SearchResult is one news search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
	Link    string `json:"link"`
	Date    string `json:"date"`
}

// SearchNews queries the news vertical for q, returning up to limit hits.
func (c *SerperClient) SearchNews(ctx context.Context, q string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	payload, err := json.Marshal(map[string]any{"q": q, "num": limit})
	if err != nil {
		return nil, resilience.WrapFailure(resilience.KindValidationError, "encode search query", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/news", bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.WrapFailure(resilience.KindValidationError, "build request", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.Classify(&resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("serper news: %s", string(body)),
		})
	}
	var decoded struct {
		News []SearchResult `json:"news"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, resilience.WrapFailure(resilience.KindAPIError, "decode serper response", err)
	}
	if len(decoded.News) == 0 {
		return nil, resilience.NewFailure(resilience.KindNoResults, fmt.Sprintf("no news results for %q", q))
	}
	if len(decoded.News) > limit {
		decoded.News = decoded.News[:limit]
	}
	return decoded.News, nil
}
