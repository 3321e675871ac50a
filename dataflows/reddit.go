package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tradegraph/tradegraph/resilience"
)

// redditBaseURL is the public JSON endpoint; tests override it.
const redditBaseURL = "https://www.reddit.com"

// redditSubreddits are the communities sampled for ticker discussion.
var redditSubreddits = []string{"stocks", "investing", "wallstreetbets"}

// RedditClient samples public discussion threads for a ticker. It uses the
// unauthenticated JSON listing endpoints, which is enough for a coarse
// sentiment signal.
type RedditClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewRedditClient constructs a client.
func NewRedditClient(httpClient *http.Client) *RedditClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RedditClient{
		baseURL:   redditBaseURL,
		userAgent: "tradegraph/1.0 (sentiment sampler)",
		http:      httpClient,
	}
}

// Post is one discussion thread.
type Post struct {
	Title     string  `json:"title"`
	Subreddit string  `json:"subreddit"`
	Score     int     `json:"score"`
	Comments  int     `json:"num_comments"`
	Ratio     float64 `json:"upvote_ratio"`
}

// Sentiment summarizes sampled discussion for a ticker.
type Sentiment struct {
	Ticker     string `json:"ticker"`
	PostCount  int    `json:"post_count"`
	TotalScore int    `json:"total_score"`
	Posts      []Post `json:"posts"`
}

// TickerSentiment samples recent posts mentioning the ticker across the
// tracked subreddits.
func (c *RedditClient) TickerSentiment(ctx context.Context, ticker string, perSub int) (*Sentiment, error) {
	if perSub <= 0 {
		perSub = 5
	}
	out := &Sentiment{Ticker: ticker}
	var lastErr error
	for _, sub := range redditSubreddits {
		posts, err := c.search(ctx, sub, ticker, perSub)
		if err != nil {
			lastErr = err
			continue
		}
		out.Posts = append(out.Posts, posts...)
	}
	if len(out.Posts) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, resilience.NewFailure(resilience.KindNoResults,
			fmt.Sprintf("no discussion found for %s", ticker))
	}
	out.PostCount = len(out.Posts)
	for _, p := range out.Posts {
		out.TotalScore += p.Score
	}
	return out, nil
}

func (c *RedditClient) search(ctx context.Context, subreddit, ticker string, limit int) ([]Post, error) {
	query := url.Values{
		"q":           {ticker},
		"sort":        {"hot"},
		"limit":       {fmt.Sprint(limit)},
		"restrict_sr": {"1"},
		"t":           {"week"},
	}
	endpoint := fmt.Sprintf("%s/r/%s/search.json?%s", c.baseURL, subreddit, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.WrapFailure(resilience.KindValidationError, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.Classify(&resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("reddit r/%s: %s", subreddit, string(body)),
		})
	}
	var decoded struct {
		Data struct {
			Children []struct {
				Data Post `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, resilience.WrapFailure(resilience.KindAPIError, "decode reddit response", err)
	}
	posts := make([]Post, 0, len(decoded.Data.Children))
	upper := strings.ToUpper(ticker)
	for _, child := range decoded.Data.Children {
		p := child.Data
		if !strings.Contains(strings.ToUpper(p.Title), upper) {
			continue
		}
		p.Subreddit = subreddit
		posts = append(posts, p)
	}
	return posts, nil
}
