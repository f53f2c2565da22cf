package engine

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{provider: "", want: "*engine.OllamaEngine"},
		{provider: "ollama", want: "*engine.OllamaEngine"},
		{provider: "openai", want: "*engine.OpenAIEngine"},
		{provider: "bard", wantErr: true},
	}
	for _, tt := range tests {
		e, err := Detect(DetectConfig{Provider: tt.provider, APIKey: "k"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("Detect(%q): expected error", tt.provider)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Detect(%q): %v", tt.provider, err)
		}
		switch e.(type) {
		case *OllamaEngine:
			if tt.want != "*engine.OllamaEngine" {
				t.Errorf("Detect(%q) returned %T, want %s", tt.provider, e, tt.want)
			}
		case *OpenAIEngine:
			if tt.want != "*engine.OpenAIEngine" {
				t.Errorf("Detect(%q) returned %T, want %s", tt.provider, e, tt.want)
			}
		}
	}
}

func TestDetect_DefaultBaseURL(t *testing.T) {
	e, err := Detect(DetectConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got := e.(*OllamaEngine).baseURL; got != "http://localhost:11434" {
		t.Errorf("baseURL = %q, want http://localhost:11434", got)
	}
}
