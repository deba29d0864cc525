package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

var testSchema = Schema{
	Name:    "test",
	Version: "1",
	Fields: []SchemaField{
		{Name: "bedrooms", Type: "int", Description: "bedroom count"},
		{Name: "street", Type: "string", Description: "street address"},
	},
}

// generateServer answers /api/generate with the queued responses in order.
func generateServer(t *testing.T, responses ...string) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			fmt.Fprint(w, `{"version": "0.5.0"}`)
		case "/api/generate":
			n := int(calls.Add(1)) - 1
			require.Less(t, n, len(responses), "more generate calls than queued responses")

			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-model", req["model"])
			assert.Equal(t, false, req["stream"])

			out, _ := json.Marshal(map[string]any{"response": responses[n], "done": true})
			w.Write(out)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.LLMConfig{
		BaseURL:     srv.URL,
		Model:       "test-model",
		TimeoutSecs: 5,
		MaxRetries:  2,
	})
	return client, &calls
}

func TestHealthCheck(t *testing.T) {
	client, _ := generateServer(t)
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestHealthCheckUnreachable(t *testing.T) {
	client := NewClient(config.LLMConfig{BaseURL: "http://127.0.0.1:1", TimeoutSecs: 1})
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestGenerateCompletion(t *testing.T) {
	client, calls := generateServer(t, "hello")
	out, err := client.GenerateCompletion(context.Background(), "say hello", 64, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExtractStructuredData(t *testing.T) {
	client, calls := generateServer(t, `{"bedrooms": 3, "street": "100 N 1st Ave"}`)

	fields, err := client.ExtractStructuredData(context.Background(),
		[]byte(`{"raw": "record"}`), testSchema, ContentJSON)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, float64(3), fields["bedrooms"])
	assert.Equal(t, "100 N 1st Ave", fields["street"])
}

func TestExtractToleratesCodeFences(t *testing.T) {
	client, _ := generateServer(t, "```json\n{\"bedrooms\": 2}\n```")

	fields, err := client.ExtractStructuredData(context.Background(),
		[]byte(`{}`), testSchema, ContentJSON)
	require.NoError(t, err)
	assert.Equal(t, float64(2), fields["bedrooms"])
}

func TestExtractRepairsMalformedJSONOnce(t *testing.T) {
	client, calls := generateServer(t,
		`Sure! Here are the fields: bedrooms is 3`, // no JSON at all
		`{"bedrooms": 3}`,
	)

	fields, err := client.ExtractStructuredData(context.Background(),
		[]byte(`{}`), testSchema, ContentJSON)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "exactly one repair re-prompt")
	assert.Equal(t, float64(3), fields["bedrooms"])
}

func TestExtractFailsAfterTwoMalformedResponses(t *testing.T) {
	client, calls := generateServer(t,
		`not json`,
		`{"still": broken`,
	)

	_, err := client.ExtractStructuredData(context.Background(),
		[]byte(`{}`), testSchema, ContentJSON)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLLMExtraction))
	assert.EqualValues(t, 2, calls.Load())
}

func TestExtractionPromptContents(t *testing.T) {
	client := NewClient(config.LLMConfig{Model: "m", MaxInputBytes: 100})
	prompt := client.buildExtractionPrompt([]byte(`{"x":1}`), testSchema, ContentJSON)

	assert.Contains(t, prompt, "- bedrooms (int): bedroom count")
	assert.Contains(t, prompt, "- street (string): street address")
	assert.Contains(t, prompt, "Content (JSON record):")
	assert.True(t, strings.HasSuffix(prompt, "JSON:"))

	// Field order in the prompt is deterministic.
	assert.Less(t, strings.Index(prompt, "- bedrooms"), strings.Index(prompt, "- street"))
}

func TestExtractionPromptTruncatesContent(t *testing.T) {
	client := NewClient(config.LLMConfig{Model: "m", MaxInputBytes: 64})
	big := strings.Repeat("a", 10_000)
	prompt := client.buildExtractionPrompt([]byte(big), testSchema, ContentHTML)
	assert.Less(t, len(prompt), 1000)
	assert.Contains(t, prompt, "Content (HTML page):")
}

func TestParseJSONObject(t *testing.T) {
	out, err := parseJSONObject(`prefix {"a": 1} suffix`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])

	_, err = parseJSONObject("no object here")
	assert.Error(t, err)

	_, err = parseJSONObject(`{"broken":`)
	assert.Error(t, err)
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := "abcédef" // é is two bytes starting at index 3
	cut := truncate(s, 4)
	assert.Equal(t, "abc", cut)
	assert.Equal(t, "abc", truncate("abc", 10))
}
