package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/metrics"
)

// Config tunes the model endpoint.
type Config struct {
	URL         string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client talks to an Ollama-style generate endpoint. Calls run behind a
// circuit breaker so a dead model server fails fast.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient creates an LLM client. Template synthesis needs long
// generations, so the default timeout is generous.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2000 * time.Second
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: log.WithComponent("llm"),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int64   `json:"seed"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends one prompt with deterministic sampling: low temperature
// and a caller-fixed seed, so the same pipeline run reproduces the same
// outputs.
func (c *Client) Generate(ctx context.Context, prompt string, seed int64) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: c.cfg.Temperature,
			Seed:        seed,
		},
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", errdefs.Wrapf(errdefs.ErrLLMUnavailable, "circuit open")
		}
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(out.([]byte), &resp); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return "", errdefs.Wrapf(errdefs.ErrInvalidOutput, "model response: %v", err)
	}
	if strings.TrimSpace(resp.Response) == "" {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return "", errdefs.Wrapf(errdefs.ErrInvalidOutput, "model returned empty response")
	}

	metrics.LLMRequestsTotal.WithLabelValues("ok").Inc()
	return resp.Response, nil
}

func (c *Client) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Wrapf(errdefs.ErrTimeout, "llm request")
		}
		return nil, errdefs.Wrapf(errdefs.ErrLLMUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Wrapf(errdefs.ErrLLMUnavailable, "model server returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
