package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const openAITimeout = 120 * time.Second

// OpenAIEngine talks to any OpenAI-compatible server (/chat/completions,
// /embeddings, /models). Models are managed server-side, so PullModel is
// a no-op check.
type OpenAIEngine struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIEngine creates an engine for the given base URL (e.g.
// https://api.openai.com/v1) and bearer key.
func NewOpenAIEngine(baseURL, apiKey string) *OpenAIEngine {
	return &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: openAITimeout},
	}
}

type openAIChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (e *OpenAIEngine) header() http.Header {
	h := http.Header{}
	if e.apiKey != "" {
		h.Set("Authorization", "Bearer "+e.apiKey)
	}
	return h
}

// Chat requests a chat completion. With a schema, JSON mode is enabled and
// the schema is appended as a system message since json_object mode does
// not accept one.
func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := openAIChatRequest{Model: model, Messages: messages}
	if jsonSchema != nil {
		raw, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("chat: marshaling schema: %w", err)
		}
		req.Messages = append(append([]Message(nil), messages...), Message{
			Role:    RoleSystem,
			Content: "Respond only with a JSON object matching this JSON schema: " + string(raw),
		})
		req.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var out openAIChatResponse
	if err := doJSON(ctx, e.httpClient, "chat", http.MethodPost, e.baseURL+"/chat/completions", e.header(), req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat: empty choices array")
	}
	return out.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var out openAIEmbedResponse
	err := doJSON(ctx, e.httpClient, "embed", http.MethodPost, e.baseURL+"/embeddings", e.header(),
		openAIEmbedRequest{Model: model, Input: text}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return out.Data[0].Embedding, nil
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	_, err := e.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var list openAIModelList
	if err := doJSON(ctx, e.httpClient, "models", http.MethodGet, e.baseURL+"/models", e.header(), nil, &list); err != nil {
		return nil, err
	}
	names := make([]string, len(list.Data))
	for i, m := range list.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	return containsModel(models, name)
}

// PullModel cannot download on a hosted endpoint; it only verifies the model exists.
func (e *OpenAIEngine) PullModel(ctx context.Context, name string, _ func(PullProgress)) error {
	if e.HasModel(ctx, name) {
		return nil
	}
	return fmt.Errorf("model %s is not served by %s", name, e.baseURL)
}
