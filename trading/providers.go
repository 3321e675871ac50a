package trading

import (
	"fmt"
	"os"

	"github.com/tradegraph/tradegraph/config"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/model/anthropic"
	"github.com/tradegraph/tradegraph/model/openai"
)

// NewCapabilities builds the quick-think and deep-think capabilities named by
// the configuration. API keys come from the conventional provider environment
// variables (OPENAI_API_KEY, ANTHROPIC_API_KEY).
func NewCapabilities(cfg config.Config) (quick, deep model.Capability, err error) {
	switch cfg.LLM.Provider {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		quick, err = openai.NewFromAPIKey(key, cfg.LLM.QuickThinkModel, cfg.LLM.BackendURL)
		if err != nil {
			return nil, nil, fmt.Errorf("quick-think capability: %w", err)
		}
		deep, err = openai.NewFromAPIKey(key, cfg.LLM.DeepThinkModel, cfg.LLM.BackendURL)
		if err != nil {
			return nil, nil, fmt.Errorf("deep-think capability: %w", err)
		}
		return quick, deep, nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		quick, err = anthropic.NewFromAPIKey(key, cfg.LLM.QuickThinkModel)
		if err != nil {
			return nil, nil, fmt.Errorf("quick-think capability: %w", err)
		}
		deep, err = anthropic.NewFromAPIKey(key, cfg.LLM.DeepThinkModel)
		if err != nil {
			return nil, nil, fmt.Errorf("deep-think capability: %w", err)
		}
		return quick, deep, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
