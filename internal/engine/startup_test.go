package engine

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
)

// fakeBackend is an Engine whose model inventory lives in memory.
type fakeBackend struct {
	down    bool
	have    map[string]bool
	pullErr error
	pulls   []string
}

func (f *fakeBackend) Chat(context.Context, string, []Message, *Schema) (string, error) {
	return "", nil
}

func (f *fakeBackend) Embed(context.Context, string, string) ([]float32, error) {
	return nil, nil
}

func (f *fakeBackend) IsRunning(context.Context) bool { return !f.down }

func (f *fakeBackend) ListModels(context.Context) ([]string, error) {
	out := make([]string, 0, len(f.have))
	for name := range f.have {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeBackend) HasModel(_ context.Context, name string) bool { return f.have[name] }

func (f *fakeBackend) PullModel(_ context.Context, name string, onProgress func(PullProgress)) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulls = append(f.pulls, name)
	onProgress(PullProgress{Status: "downloading", Total: 4, Completed: 2})
	onProgress(PullProgress{Status: "success"})
	return nil
}

func TestEnsureReady(t *testing.T) {
	pipelineModels := []string{"phi3.5", "mistral-nemo", "nomic-embed-text"}

	tests := []struct {
		name      string
		backend   *fakeBackend
		models    []string
		wantPulls []string
		wantErr   bool
	}{
		{
			name:    "all present",
			backend: &fakeBackend{have: map[string]bool{"phi3.5": true, "mistral-nemo": true, "nomic-embed-text": true}},
			models:  pipelineModels,
		},
		{
			name:      "pulls only missing",
			backend:   &fakeBackend{have: map[string]bool{"phi3.5": true}},
			models:    pipelineModels,
			wantPulls: []string{"mistral-nemo", "nomic-embed-text"},
		},
		{
			name:      "embed model only",
			backend:   &fakeBackend{have: map[string]bool{}},
			models:    []string{"nomic-embed-text"},
			wantPulls: []string{"nomic-embed-text"},
		},
		{
			name:      "skips empty and duplicate names",
			backend:   &fakeBackend{have: map[string]bool{}},
			models:    []string{"phi3.5", "", "phi3.5", "mistral-nemo"},
			wantPulls: []string{"phi3.5", "mistral-nemo"},
		},
		{
			name:    "backend down",
			backend: &fakeBackend{down: true},
			models:  pipelineModels,
			wantErr: true,
		},
		{
			name:    "pull fails",
			backend: &fakeBackend{have: map[string]bool{}, pullErr: errors.New("disk full")},
			models:  pipelineModels,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := EnsureReady(context.Background(), tt.backend, tt.models, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureReady error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(tt.backend.pulls, tt.wantPulls) {
				t.Errorf("pulls = %v, want %v", tt.backend.pulls, tt.wantPulls)
			}
			if len(tt.wantPulls) > 0 && !strings.Contains(out.String(), "downloading 50%") {
				t.Errorf("progress output missing percentage:\n%s", out.String())
			}
		})
	}
}

func TestEnsureReady_PullErrorNamesModel(t *testing.T) {
	b := &fakeBackend{have: map[string]bool{}, pullErr: errors.New("disk full")}
	var out bytes.Buffer
	err := EnsureReady(context.Background(), b, []string{"mistral-nemo"}, &out)
	if err == nil || !strings.Contains(err.Error(), "mistral-nemo") {
		t.Errorf("error = %v, want it to name the model", err)
	}
}
