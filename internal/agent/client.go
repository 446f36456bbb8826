package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"petavatar/internal/config"
	"petavatar/internal/model"
)

// Client is the HTTP implementation of Generator against the deployed
// agent runtime.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

func NewClient(cfg config.AgentConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
		schema:  compileGenerationSchema(),
		logger:  logger,
	}
}

type invokeRequest struct {
	ObjectRef string `json:"object_ref"`
}

type invokeResponse struct {
	Status      string            `json:"status"`
	ArtifactRef string            `json:"artifact_ref"`
	Identity    model.Identity    `json:"identity"`
	PetAnalysis model.PetAnalysis `json:"pet_analysis"`
	Error       string            `json:"error,omitempty"`
}

// AnalyzeAndGenerate runs the full agent workflow for one uploaded
// image. Errors are classified for the caller: *ContentError means the
// input can never be processed, anything else is worth retrying.
func (c *Client) AnalyzeAndGenerate(ctx context.Context, objectRef string) (*model.Generation, error) {
	raw, status, err := c.sendJSON(ctx, c.baseURL+"/invocations", invokeRequest{ObjectRef: objectRef})
	if err != nil {
		if status != 0 && isContentStatus(status) {
			return nil, &ContentError{Detail: bodyDetail(raw, status)}
		}
		return nil, err
	}

	var resp invokeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if resp.Status == "failed" {
		// The agent ran and concluded the content cannot be processed.
		return nil, &ContentError{Detail: resp.Error}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		// Malformed output from a flaky model run; a retry may succeed.
		return nil, fmt.Errorf("agent response failed schema validation: %w", err)
	}

	return &model.Generation{
		ArtifactRef: resp.ArtifactRef,
		Identity:    resp.Identity,
		PetAnalysis: resp.PetAnalysis,
	}, nil
}

// isContentStatus reports whether an HTTP status from the agent means
// the input itself is unprocessable rather than the service unhealthy.
func isContentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func bodyDetail(raw []byte, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("agent rejected request with status %d", status)
}

// sendJSON posts a JSON body and returns the raw response. A non-2xx
// status is returned as an error alongside the status code and body so
// the caller can classify it.
func (c *Client) sendJSON(ctx context.Context, url string, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.logger != nil {
		c.logger.Info("agent.request", "req_id", reqID, "url", url, "content_length", len(bs))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("agent.send_error", "req_id", reqID, "error", err,
				"elapsed_ms", time.Since(start).Milliseconds())
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if c.logger != nil {
		c.logger.Info("agent.response", "req_id", reqID, "status", resp.StatusCode,
			"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())
	}

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}
