package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Scorer rates the sentiment of a text on the [-1, 1] compound scale.
// Implementations: the in-process lexicon scorer and the remote model
// service.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
	Name() string
}

// RemoteScorer calls an external scoring service over HTTP. Network and
// server failures are reported as transient so the orchestrator retries.
type RemoteScorer struct {
	endpoint string
	client   *http.Client
}

// NewRemoteScorer points at a scoring service. endpoint is the full URL of
// the score route, e.g. "http://localhost:8090/v1/score".
func NewRemoteScorer(endpoint string, timeout time.Duration) *RemoteScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *RemoteScorer) Name() string { return "remote" }

func (s *RemoteScorer) Score(ctx context.Context, text string) (float64, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: score request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("%w: scoring service returned %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	if out.Score < -1 || out.Score > 1 {
		return 0, fmt.Errorf("score %f out of range", out.Score)
	}
	return out.Score, nil
}
