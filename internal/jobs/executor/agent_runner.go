package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultAgentTimeout  = 2 * time.Minute
	maxAgentResponseBody = 4 << 20
)

// HTTPAgentRunner posts agent runs to the external agent-execution service.
type HTTPAgentRunner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPAgentRunner(baseURL, token string) *HTTPAgentRunner {
	return &HTTPAgentRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultAgentTimeout},
	}
}

type agentRunRequest struct {
	AgentID string          `json:"agentId"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (r *HTTPAgentRunner) RunAgent(ctx context.Context, agentID string, input []byte) (any, error) {
	body, err := json.Marshal(agentRunRequest{AgentID: agentID, Input: input})
	if err != nil {
		return nil, fmt.Errorf("executor: encode agent request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/agents/%s/run", r.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBody))
	if err != nil {
		return nil, fmt.Errorf("executor: read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, fmt.Errorf("executor: agent %s returned %d: %s", agentID, resp.StatusCode, msg)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("executor: decode agent response: %w", err)
	}
	return result, nil
}
