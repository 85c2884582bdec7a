package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wabiview/wabiview/internal/errors"
	"github.com/wabiview/wabiview/internal/types"
)

const (
	// DefaultStatusPath is the coordinator status endpoint
	DefaultStatusPath = "/wabisabi/status"
	// DefaultRoundsPath is the coordinator round monitor endpoint
	DefaultRoundsPath = "/wabisabi/human-monitor"
	// DefaultCoordinatorTimeout bounds every coordinator request
	DefaultCoordinatorTimeout = 30 * time.Second
)

// CoordinatorStatus is the status document published by a coordinator
type CoordinatorStatus struct {
	RoundID               string                 `json:"roundId"`
	Phase                 types.RoundPhase       `json:"phase"`
	InputCount            int                    `json:"inputCount"`
	MaxSuggestedAmount    int64                  `json:"maxSuggestedAmount"`
	CoordinatorParameters *CoordinatorParameters `json:"coordinatorParameters"`
}

// CoordinatorParameters are the round parameters a coordinator advertises
type CoordinatorParameters struct {
	CoordinationFeeRate  decimal.Decimal `json:"coordinationFeeRate"`
	MinInputCountByRound int             `json:"minInputCountByRound"`
	MaxInputCountByRound int             `json:"maxInputCountByRound"`
	MinRegistrableAmount int64           `json:"minRegistrableAmount"`
	MaxRegistrableAmount int64           `json:"maxRegistrableAmount"`
}

// RoundInfo is one entry of a coordinator's round list
type RoundInfo struct {
	RoundID            string           `json:"roundId"`
	Phase              types.RoundPhase `json:"phase"`
	InputCount         int              `json:"inputCount"`
	MaxSuggestedAmount int64            `json:"maxSuggestedAmount"`
	BlameOf            string           `json:"blameOf"`
	IsBlameRound       bool             `json:"isBlameRound"`
}

// IsBlame reports whether the coordinator flagged the round as a blame round
func (r RoundInfo) IsBlame() bool {
	return r.IsBlameRound || r.BlameOf != ""
}

type roundsResponse struct {
	Rounds []RoundInfo `json:"rounds"`
}

// CoordinatorClient queries the public HTTP API of WabiSabi coordinators.
// It holds no per-coordinator state.
type CoordinatorClient struct {
	httpClient *http.Client
	StatusPath string
	RoundsPath string
}

// NewCoordinatorClient creates a coordinator client with the given request timeout
func NewCoordinatorClient(timeout time.Duration) *CoordinatorClient {
	if timeout <= 0 {
		timeout = DefaultCoordinatorTimeout
	}
	return &CoordinatorClient{
		httpClient: &http.Client{Timeout: timeout},
		StatusPath: DefaultStatusPath,
		RoundsPath: DefaultRoundsPath,
	}
}

// IsOnline reports whether the status endpoint answers with a 2xx status
func (c *CoordinatorClient) IsOnline(ctx context.Context, coordinatorURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(coordinatorURL, c.StatusPath), nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// GetStatus fetches the coordinator status document
func (c *CoordinatorClient) GetStatus(ctx context.Context, coordinatorURL string) (*CoordinatorStatus, error) {
	var status CoordinatorStatus
	if err := c.getJSON(ctx, endpoint(coordinatorURL, c.StatusPath), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetRounds fetches the coordinator's current round list
func (c *CoordinatorClient) GetRounds(ctx context.Context, coordinatorURL string) ([]RoundInfo, error) {
	var monitor roundsResponse
	if err := c.getJSON(ctx, endpoint(coordinatorURL, c.RoundsPath), &monitor); err != nil {
		return nil, err
	}
	return monitor.Rounds, nil
}

func (c *CoordinatorClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return errors.NewProviderTimeoutError(url)
		}
		return errors.NewProviderError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.NewProviderError(url, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewProviderError(url, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// endpoint joins a coordinator base URL and an API path
func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// isTimeout reports whether a transport error was a deadline
func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok && t.Timeout() {
		return true
	}
	return false
}
