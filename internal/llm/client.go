// Package llm is the client for the local model server (Ollama-compatible
// HTTP API). Structured extraction builds a schema-describing prompt,
// requests JSON, and re-prompts once to repair malformed output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/resilience"
)

// ContentKind tells the extraction prompt how to frame the input.
type ContentKind string

const (
	ContentHTML ContentKind = "html"
	ContentJSON ContentKind = "json"
)

// SchemaField describes one target field for structured extraction.
type SchemaField struct {
	Name        string
	Type        string // "string", "int", "decimal", "bool"
	Description string
}

// Schema names the fields to extract plus a version for cache fingerprints.
type Schema struct {
	Name    string
	Version string
	Fields  []SchemaField
}

// PromptVersion feeds cache fingerprints; bump when prompt wording changes.
const PromptVersion = "v2"

// Client talks to the model server.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a model server client.
func NewClient(cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout()},
		retry: resilience.RetryConfig{
			MaxAttempts:    cfg.MaxRetries,
			InitialBackoff: time.Second,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("llm", "generate"),
		},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("llm circuit state change",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model identifier (for cache fingerprints).
func (c *Client) Model() string { return c.cfg.Model }

// HealthCheck verifies the model server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/version", nil)
	if err != nil {
		return eris.Wrap(err, "llm: build health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "llm: health check")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("llm: health check returned %d", resp.StatusCode)
	}
	return nil
}

// generateRequest is the /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// generateResponse is the /api/generate response body.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// GenerateCompletion sends one prompt and returns the model's text.
// Connection errors retry with exponential backoff; the circuit breaker
// rejects calls outright while the server is wedged.
func (c *Client) GenerateCompletion(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (string, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (string, error) {
			return c.generate(ctx, prompt, maxTokens, temperature)
		})
	})
}

func (c *Client) generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "llm: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "llm: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "llm: request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "llm: read response")
	}
	if resp.StatusCode != http.StatusOK {
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(
				eris.Errorf("llm: server error %d", resp.StatusCode), resp.StatusCode)
		}
		return "", eris.Errorf("llm: generate returned %d", resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", eris.Wrap(err, "llm: decode response")
	}
	return parsed.Response, nil
}

const extractionSystem = `You are a real-estate data extraction engine. Extract the requested fields from the content below. Respond with a single JSON object matching the field list. Use null for fields not present in the content. Do not add commentary.`

const repairPrompt = `The previous response was not valid JSON. Respond again with ONLY the corrected JSON object, no prose, no code fences.

Previous response:
%s`

// ExtractStructuredData runs structured extraction for one payload. Content
// larger than max_input_bytes is truncated conservatively. Malformed JSON
// triggers one repair re-prompt before surfacing an extraction error.
func (c *Client) ExtractStructuredData(ctx context.Context, content []byte, schema Schema, kind ContentKind) (map[string]any, error) {
	prompt := c.buildExtractionPrompt(content, schema, kind)

	raw, err := c.GenerateCompletion(ctx, prompt, 1024, 0.1)
	if err != nil {
		return nil, errs.Wrap(errs.KindLLMExtraction, err, "model call failed").
			With("schema", schema.Name)
	}

	fields, parseErr := parseJSONObject(raw)
	if parseErr == nil {
		return fields, nil
	}

	zap.L().Debug("llm returned malformed JSON, re-prompting for repair",
		zap.String("schema", schema.Name), zap.Error(parseErr))

	repaired, err := c.GenerateCompletion(ctx, fmt.Sprintf(repairPrompt, truncate(raw, 4096)), 1024, 0.0)
	if err != nil {
		return nil, errs.Wrap(errs.KindLLMExtraction, err, "repair call failed").
			With("schema", schema.Name)
	}
	fields, parseErr = parseJSONObject(repaired)
	if parseErr != nil {
		return nil, errs.Wrap(errs.KindLLMExtraction, parseErr, "model output unparseable after repair").
			With("schema", schema.Name)
	}
	return fields, nil
}

func (c *Client) buildExtractionPrompt(content []byte, schema Schema, kind ContentKind) string {
	var b strings.Builder
	b.WriteString(extractionSystem)
	b.WriteString("\n\nFields to extract:\n")

	fields := append([]SchemaField(nil), schema.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, f.Description)
	}

	switch kind {
	case ContentHTML:
		b.WriteString("\nContent (HTML page):\n")
	default:
		b.WriteString("\nContent (JSON record):\n")
	}
	b.WriteString(truncate(string(content), c.maxInputBytes()))
	b.WriteString("\n\nJSON:")
	return b.String()
}

func (c *Client) maxInputBytes() int {
	if c.cfg.MaxInputBytes > 0 {
		return c.cfg.MaxInputBytes
	}
	return 48_000
}

// parseJSONObject extracts the first JSON object from model output,
// tolerating code fences and surrounding prose.
func parseJSONObject(s string) (map[string]any, error) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in model output")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, eris.Wrap(err, "decode model output")
	}
	return out, nil
}

// truncate cuts s at n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
