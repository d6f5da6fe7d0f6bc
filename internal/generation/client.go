package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

// Request carries one generation call to the external model service.
type Request struct {
	Model           string
	SystemPrompt    string
	Prompt          string
	DisableTimeout  bool
	UnlimitedOutput bool
}

// Client is the generation-service boundary. The council never sees the model
// directly, only text or an error.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// HTTPClient talks to an Ollama-compatible /api/generate endpoint.
type HTTPClient struct {
	baseURL        string
	defaultTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewHTTPClient builds a client for baseURL. defaultTimeout applies only to
// requests that do not set DisableTimeout; zero means no deadline at all.
func NewHTTPClient(baseURL string, defaultTimeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:        baseURL,
		defaultTimeout: defaultTimeout,
		// No client-level timeout: deadlines come from the request context so
		// the disable-timeout option can actually wait indefinitely.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	System  string                 `json:"system,omitempty"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate performs one blocking generation call. Model thinking time is
// treated as valuable: with DisableTimeout set the call waits as long as the
// model takes, bounded only by the caller's context.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, error) {
	if !req.DisableTimeout && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	body := generateRequest{
		Model:  req.Model,
		System: req.SystemPrompt,
		Prompt: req.Prompt,
		Stream: false,
	}
	if req.UnlimitedOutput {
		body.Options = map[string]interface{}{"num_predict": -1}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordGenerationMetrics(req.Model, "error", elapsed)
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordGenerationMetrics(req.Model, "error", elapsed)
		return "", fmt.Errorf("read generation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordGenerationMetrics(req.Model, "error", elapsed)
		return "", fmt.Errorf("generation service returned %d: %s", resp.StatusCode, truncateForLog(raw))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.RecordGenerationMetrics(req.Model, "error", elapsed)
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if out.Error != "" {
		metrics.RecordGenerationMetrics(req.Model, "error", elapsed)
		return "", fmt.Errorf("generation service error: %s", out.Error)
	}

	metrics.RecordGenerationMetrics(req.Model, "success", elapsed)
	c.logger.Debug("generation completed",
		zap.String("model", req.Model),
		zap.Float64("seconds", elapsed),
		zap.Int("response_length", len(out.Response)),
	)
	return out.Response, nil
}

func truncateForLog(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
