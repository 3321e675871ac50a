package dataflows

import (
	"context"
	"fmt"
	"time"

	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/tools"
)

// Breaker groups shared by the default toolset. All finnhub-backed tools
// share one breaker so a dead market-data service opens a single circuit.
const (
	BreakerMarketData = "market-data"
	BreakerNewsSearch = "news-search"
	BreakerSocial     = "social"
)

// Toolset bundles the default data source clients.
type Toolset struct {
	Finnhub *FinnhubClient
	Serper  *SerperClient
	Reddit  *RedditClient
}

// Register adds the default tools to the registry. Clients that are nil are
// skipped so deployments can register a partial toolset.
func (t *Toolset) Register(registry *tools.Registry) error {
	if t.Finnhub != nil {
		if err := t.registerFinnhub(registry); err != nil {
			return err
		}
	}
	if t.Serper != nil {
		if err := registry.Register(&tools.Descriptor{
			Name:        "search_news",
			Description: "Search recent news coverage for a query. Returns headlines, sources, and snippets.",
			Schema:      querySchema(),
			DataClass:   "news",
			BreakerGroup: BreakerNewsSearch,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				q, err := stringArg(args, "query")
				if err != nil {
					return nil, err
				}
				return t.Serper.SearchNews(ctx, q, intArg(args, "limit", 10))
			},
		}); err != nil {
			return err
		}
	}
	if t.Reddit != nil {
		if err := registry.Register(&tools.Descriptor{
			Name:        "get_social_sentiment",
			Description: "Sample public discussion threads for a ticker and summarize sentiment volume.",
			Schema:      symbolSchema(),
			DataClass:   "social",
			BreakerGroup: BreakerSocial,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				return t.Reddit.TickerSentiment(ctx, symbol, intArg(args, "per_subreddit", 5))
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolset) registerFinnhub(registry *tools.Registry) error {
	specs := []*tools.Descriptor{
		{
			Name:        "get_quote",
			Description: "Fetch the latest quote for a symbol: price, change, day range.",
			Schema:      symbolSchema(),
			DataClass:   "quote",
			BreakerGroup: BreakerMarketData,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				return t.Finnhub.Quote(ctx, symbol)
			},
		},
		{
			Name:        "get_technical_indicators",
			Description: "Compute technical indicators (RSI, MACD, SMA/EMA, Bollinger, ATR) from daily candles.",
			Schema:      windowSchema(),
			DataClass:   "indicators",
			BreakerGroup: BreakerMarketData,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				days := intArg(args, "days", 90)
				candles, err := t.Finnhub.Candles(ctx, symbol, time.Now(), days)
				if err != nil {
					return nil, err
				}
				return ComputeIndicators(symbol, candles)
			},
		},
		{
			Name:        "get_fundamentals",
			Description: "Fetch basic financial metrics for a symbol: valuation, margins, growth.",
			Schema:      symbolSchema(),
			DataClass:   "fundamentals",
			BreakerGroup: BreakerMarketData,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				return t.Finnhub.Fundamentals(ctx, symbol)
			},
		},
		{
			Name:        "get_company_news",
			Description: "Fetch recent company news articles for a symbol.",
			Schema:      windowSchema(),
			DataClass:   "news",
			BreakerGroup: BreakerMarketData,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				return t.Finnhub.CompanyNews(ctx, symbol, time.Now(), intArg(args, "days", 7))
			},
		},
	}
	for _, d := range specs {
		if err := registry.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func symbolSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol"},
		"properties": map[string]any{
			"symbol":        map[string]any{"type": "string", "minLength": 1},
			"per_subreddit": map[string]any{"type": "integer", "minimum": 1, "maximum": 25},
		},
	}
}

func windowSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol"},
		"properties": map[string]any{
			"symbol": map[string]any{"type": "string", "minLength": 1},
			"days":   map[string]any{"type": "integer", "minimum": 1, "maximum": 365},
		},
	}
}

func querySchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1},
			"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
		},
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", resilience.NewFailure(resilience.KindValidationError,
			fmt.Sprintf("argument %q must be a non-empty string", key))
	}
	return v, nil
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
