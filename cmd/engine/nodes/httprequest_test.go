package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/schema"
)

func TestHTTPRequest_JSONResponseDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": "widget", "stock": 7})
	}))
	defer server.Close()

	ec := testContext(t)
	ec.Pool.SetNodeOutput("code-1", "result", "42")

	handler := mustConstruct(t, &schema.Node{
		ID:   "http-1",
		Type: schema.TypeHTTPRequest,
		Config: map[string]any{
			"method": "GET",
			"url":    server.URL + "/items/{{ code-1.result }}",
		},
	})

	result, err := handler.Execute(context.Background(), ec, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(200), result.Outputs["status_code"])

	body := result.Outputs["body"].(map[string]any)
	assert.Equal(t, "widget", body["name"])
	assert.Equal(t, float64(7), body["stock"])
}

func TestHTTPRequest_PostsRenderedBody(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received = string(raw)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	ec := testContext(t)
	ec.Pool.SetSystem("user_message", "hello")

	handler := mustConstruct(t, &schema.Node{
		ID:   "http-1",
		Type: schema.TypeHTTPRequest,
		Config: map[string]any{
			"method":  "POST",
			"url":     server.URL,
			"headers": map[string]string{"Content-Type": "application/json"},
			"body":    `{"message": "{{ sys.user_message }}"}`,
		},
	})

	result, err := handler.Execute(context.Background(), ec, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(201), result.Outputs["status_code"])
	assert.Equal(t, "created", result.Outputs["body"])
	assert.JSONEq(t, `{"message": "hello"}`, received)
}

func TestHTTPRequest_NonJSONBodyStaysString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain text"))
	}))
	defer server.Close()

	handler := mustConstruct(t, &schema.Node{
		ID:     "http-1",
		Type:   schema.TypeHTTPRequest,
		Config: map[string]any{"url": server.URL},
	})

	result, err := handler.Execute(context.Background(), testContext(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", result.Outputs["body"])
}

func TestHTTPRequest_ValidateStatic(t *testing.T) {
	handler := mustConstruct(t, &schema.Node{
		ID:     "http-1",
		Type:   schema.TypeHTTPRequest,
		Config: map[string]any{},
	})
	assert.Error(t, handler.ValidateStatic())

	handler = mustConstruct(t, &schema.Node{
		ID:     "http-1",
		Type:   schema.TypeHTTPRequest,
		Config: map[string]any{"url": "https://example.com", "method": "TRACE"},
	})
	assert.Error(t, handler.ValidateStatic())
}
