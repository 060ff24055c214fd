package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/retry"
)

func salesSource() *models.DataSource {
	return &models.DataSource{
		ID:         uuid.New(),
		Name:       "warehouse",
		Kind:       models.KindDatabase,
		Descriptor: map[string]any{"driver": "pg"},
		Schema: &models.SourceSchema{Tables: []models.SchemaTable{{
			Schema:  "sales",
			Name:    "orders",
			Columns: []models.SchemaColumn{{Name: "id", DataType: "bigint"}, {Name: "total", DataType: "numeric"}},
		}}},
	}
}

func TestBuildPrompt(t *testing.T) {
	gc := GenerationContext{
		DataSource: salesSource(),
		History: []models.Message{
			{Role: models.RoleUser, Content: "how many\norders?"},
			{Role: models.RoleAssistant, Content: "42", Artifacts: models.MessageArtifact{SQLText: "SELECT count(*)\nFROM orders"}},
		},
	}

	prompt := buildPrompt("and last week?", gc)

	assert.Contains(t, prompt, "Active data source: warehouse (kind: database, dialect: postgres)")
	assert.Contains(t, prompt, "- sales.orders(id bigint, total numeric)")
	assert.Contains(t, prompt, "user: how many orders?")
	assert.Contains(t, prompt, "(query: SELECT count(*) FROM orders)")
	assert.True(t, strings.HasSuffix(prompt, "Question: and last week?\n"))
}

func TestBuildPrompt_NoSourceWithFiles(t *testing.T) {
	prompt := buildPrompt("sum it", GenerationContext{
		Tables: []models.VirtualTable{{AliasName: "file_abc"}},
	})

	assert.Contains(t, prompt, "No data source is selected.")
	assert.Contains(t, prompt, "- file_abc")
}

func TestStaticGenerator(t *testing.T) {
	boom := errors.New("boom")
	g := NewStaticGenerator(
		StaticReply{Generation: &Generation{Narrative: "first", Query: "SELECT 1"}},
		StaticReply{Err: boom},
	)

	gen, err := g.Generate(context.Background(), "q1", GenerationContext{})
	require.NoError(t, err)
	assert.Equal(t, "first", gen.Narrative)
	assert.True(t, gen.HasQuery())

	_, err = g.Generate(context.Background(), "q2", GenerationContext{})
	assert.ErrorIs(t, err, boom)
	_, err = g.Generate(context.Background(), "q3", GenerationContext{})
	assert.ErrorIs(t, err, boom, "the last reply repeats")

	assert.Equal(t, 3, g.Calls())
	require.Len(t, g.Prompts(), 3)
	assert.Contains(t, g.Prompts()[1], "Question: q2")
}

func TestStaticGenerator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStaticGenerator().Generate(ctx, "q", GenerationContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseGeneration(t *testing.T) {
	gen, err := parseGeneration("Sure!\n```json\n{\"narrative\": \"  Revenue grew. \", \"query\": \"SELECT 1\", \"chart\": {\"type\": \"bar\"}, \"insights\": [\"up 5%\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew.", gen.Narrative)
	assert.JSONEq(t, `{"type": "bar"}`, string(gen.ChartSpec))
	assert.Equal(t, []string{"up 5%"}, gen.Insights)

	_, err = parseGeneration("I cannot help with that")
	assert.Equal(t, ErrorTypeResponse, GetErrorType(err))
}

func TestParseGeneration_SQLFence(t *testing.T) {
	gen, err := parseGeneration("<think>which table?</think>\nTop customers by revenue:\n```sql\nSELECT name, SUM(total) FROM [dbo].[orders] GROUP BY name\n```\nLet me know if you need more.")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name, SUM(total) FROM [dbo].[orders] GROUP BY name", gen.Query)
	assert.Equal(t, "Top customers by revenue: Let me know if you need more.", gen.Narrative)
	assert.Empty(t, gen.ChartSpec)

	// A fence in another language is not a query.
	_, err = parseGeneration("Try this:\n```python\nprint(1)\n```")
	assert.Equal(t, ErrorTypeResponse, GetErrorType(err))
}

func TestOpenAIGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant",
				"content": "{\"narrative\": \"Two orders.\", \"query\": \"SELECT count(*) FROM orders\"}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(srv.URL, "gpt-4o", "sk-test", 0.1, zap.NewNop())
	require.NoError(t, err)

	gen, err := g.Generate(context.Background(), "how many orders?", GenerationContext{DataSource: salesSource()})
	require.NoError(t, err)
	assert.Equal(t, "Two orders.", gen.Narrative)
	assert.Equal(t, "SELECT count(*) FROM orders", gen.Query)

	assert.Equal(t, "gpt-4o", got["model"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Contains(t, msgs[1].(map[string]any)["content"], "Question: how many orders?")
}

func TestOpenAIGenerator_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(srv.URL, "gpt-4o", "bad", 0, zap.NewNop())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "q", GenerationContext{})
	require.Error(t, err)
	assert.Equal(t, ErrorTypeAuth, GetErrorType(err))
	assert.False(t, retry.IsRetryable(err))
}

func TestAnthropicGenerator(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		assert.Equal(t, "ak-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "{\"narrative\": \"No query needed.\"}"}],
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	g, err := NewAnthropicGenerator("ak-test", "claude-test", srv.URL, 512, 0.2, zap.NewNop())
	require.NoError(t, err)

	gen, err := g.Generate(context.Background(), "hello", GenerationContext{})
	require.NoError(t, err)
	assert.Equal(t, "No query needed.", gen.Narrative)
	assert.False(t, gen.HasQuery())

	assert.Equal(t, "claude-test", got["model"])
	assert.EqualValues(t, 512, got["max_tokens"])
	assert.NotEmpty(t, got["system"])
}

func TestNewAnthropicGenerator_RequiresKey(t *testing.T) {
	_, err := NewAnthropicGenerator("", "claude-test", "", 512, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestNewGenerator(t *testing.T) {
	logger := zap.NewNop()

	g, err := NewGenerator(config.LLMConfig{Provider: "static"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &StaticGenerator{}, g)

	g, err = NewGenerator(config.LLMConfig{Provider: "openai", Model: "gpt-4o"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &breakerGenerator{}, g)

	_, err = NewGenerator(config.LLMConfig{Provider: "anthropic", Model: "claude-test"}, logger)
	assert.Error(t, err, "anthropic needs an api key")

	_, err = NewGenerator(config.LLMConfig{Provider: "cohere"}, logger)
	assert.Error(t, err)
}
