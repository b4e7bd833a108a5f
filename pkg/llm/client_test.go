package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/config"
)

type captureWriter struct {
	parts []string
}

func (w *captureWriter) WriteMessage(_ int, data []byte) error {
	w.parts = append(w.parts, string(data))
	return nil
}

func TestGenerate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  Thirty days notice. "}}]}`)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "m", Generation: config.LLMGenerationConfig{Temperature: 0.2}})
	answer, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Thirty days notice.", answer)
	assert.False(t, got.Stream)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	assert.Nil(t, got.MaxTokens)
}

func TestGenerate_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(config.LLMConfig{BaseURL: srv.URL}).Generate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestGenerate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient(config.LLMConfig{BaseURL: srv.URL}).Generate(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestStreamChatMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var b strings.Builder
		for _, part := range []string{"Thirty", " days"} {
			fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		b.WriteString("data: [DONE]\n\n")
		_, _ = fmt.Fprint(w, b.String())
	}))
	defer srv.Close()

	w := &captureWriter{}
	err := NewClient(config.LLMConfig{BaseURL: srv.URL}).StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "q"}}, nil, w)
	require.NoError(t, err)
	assert.Equal(t, []string{"Thirty", " days"}, w.parts)
}
