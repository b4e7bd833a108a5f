package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/chunking"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestChunkCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	text := strings.Repeat("Termination requires thirty days notice. ", 20)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	out, err := run(t, "chunk", "--method", "fixed", "--size", "200", "--overlap", "0", "--min", "10", path)
	require.NoError(t, err)
	var units []chunking.Unit
	require.NoError(t, json.Unmarshal([]byte(out), &units))
	require.Greater(t, len(units), 1)
	for i, u := range units {
		assert.Equal(t, i, u.Index)
		assert.Equal(t, chunking.MethodFixed, u.Method)
	}
}

func TestChunkCommand_UnknownMethod(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("text"), 0o644))
	_, err := run(t, "chunk", "--method", "magic", path)
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/documents/doc-1/status", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		status := "processing"
		if calls.Add(1) > 1 {
			status = "processed"
		}
		_, _ = w.Write([]byte(`{"code":200,"message":"ok","data":{"document_id":"doc-1","status":"` + status + `","progress":75}}`))
	}))
	defer srv.Close()

	out, err := run(t, "status", "--api", srv.URL, "--token", "tok", "--watch", "--interval", "1ms", "doc-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "processing")
	assert.Contains(t, lines[1], "processed")
}

func TestStatusCommand_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"message":"document not found"}`))
	}))
	defer srv.Close()

	_, err := run(t, "status", "--api", srv.URL, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document not found")
}
