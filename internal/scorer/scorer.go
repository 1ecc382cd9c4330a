// Package scorer talks to the external ML scoring subsystem (§6.4): a
// fixed feature vector in, a score and explanation blob out. The scoring
// algorithm itself is out of scope (§1 Non-goals) — this package is only
// the client contract and the asynchronous hook that keeps an incident's
// score from going stale.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ransomeye/drc/internal/integrity"
)

// Features is the fixed vector §6.4 defines for every scoring request.
type Features struct {
	HostCount        int            `json:"host_count"`
	UserCount        int            `json:"user_count"`
	AlertCountBySeverity map[string]int `json:"alert_count_by_severity"`
	SpanSeconds      int64          `json:"span_seconds"`
	EntityTypeDist   map[string]int `json:"entity_type_distribution"`
}

// Result is what the scorer returns for one incident.
type Result struct {
	Score       float64         `json:"score"`
	Explanation json.RawMessage `json:"explanation_blob"`
}

// Scorer is the narrow interface Hook depends on.
type Scorer interface {
	Score(ctx context.Context, f Features) (Result, error)
}

// HTTPClient calls an external scorer over HTTP, wrapped in a circuit
// breaker so a down or flapping ML subsystem fails fast instead of
// piling up blocked scoring requests behind the graph's mutation path.
type HTTPClient struct {
	http    *http.Client
	url     string
	breaker *gobreaker.CircuitBreaker[Result]
}

// NewHTTPClient builds a scorer client posting to url (e.g.
// "http://ml-scorer:9000/score").
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &HTTPClient{
		http: &http.Client{Timeout: timeout},
		url:  url,
	}
	c.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "scorer-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Score posts the feature vector and parses the scorer's response.
func (c *HTTPClient) Score(ctx context.Context, f Features) (Result, error) {
	return c.breaker.Execute(func() (Result, error) {
		body, err := json.Marshal(f)
		if err != nil {
			return Result{}, fmt.Errorf("%w: marshal features: %v", integrity.ErrFatal, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("%w: build scorer request: %v", integrity.ErrFatal, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("%w: scorer request failed: %v", integrity.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return Result{}, fmt.Errorf("%w: scorer returned status %d", integrity.ErrUnavailable, resp.StatusCode)
		}

		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, fmt.Errorf("%w: parse scorer response: %v", integrity.ErrFormat, err)
		}
		if res.Score < 0 || res.Score > 1 {
			return Result{}, fmt.Errorf("%w: scorer returned out-of-range score %f", integrity.ErrValidation, res.Score)
		}
		return res, nil
	})
}
