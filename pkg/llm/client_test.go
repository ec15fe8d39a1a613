package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Model:      "gpt-4o",
		Timeout:    5 * time.Second,
		MaxRetries: 0,
		LogLevel:   "error",
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{BaseURL: "https://example.com", Model: "m", Timeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestChatReturnsTextCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id":"cmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hold for now."}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	dialog := NewDialog("you are a trader", "what about BTC?")
	completion, err := client.Chat(context.Background(), dialog, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hold for now.", completion.Content)
	assert.Empty(t, completion.ToolCalls)
}

func TestChatParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Tools []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Tools, 1)
		assert.Equal(t, "get_market_data", payload.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id":"cmpl-2","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{
				"role":"assistant","content":"",
				"tool_calls":[{"id":"call-1","type":"function","function":{"name":"get_market_data","arguments":"{\"symbol\":\"BTC\"}"}}]
			}}],
			"usage":{"prompt_tokens":20,"completion_tokens":8,"total_tokens":28}
		}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)

	dialog := NewDialog("system", "user")
	completion, err := client.Chat(context.Background(), dialog, []Tool{{
		Name:        "get_market_data",
		Description: "Fetch a market snapshot",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"symbol": map[string]any{"type": "string"}},
			"required":   []string{"symbol"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "call-1", completion.ToolCalls[0].ID)
	assert.Equal(t, "get_market_data", completion.ToolCalls[0].Name)
	assert.JSONEq(t, `{"symbol":"BTC"}`, completion.ToolCalls[0].Arguments)
}

func TestDialogAccumulatesTurns(t *testing.T) {
	dialog := NewDialog("system", "user")
	assert.Equal(t, 2, dialog.Len())

	dialog.AddAssistant(&Completion{ToolCalls: []ToolCall{{ID: "call-1", Name: "t", Arguments: "{}"}}})
	dialog.AddToolResult("call-1", `{"ok":true}`)
	dialog.AddUser("continue")
	assert.Equal(t, 5, dialog.Len())
}

func TestChatRejectsEmptyDialog(t *testing.T) {
	client, err := NewClient(testConfig("https://example.invalid"))
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = client.Chat(context.Background(), &Dialog{}, nil)
	assert.Error(t, err)
}
