package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// Detect returns the backend named by cfg.Provider. An empty provider means Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		return NewOllamaEngine(cfg.BaseURL), nil
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
