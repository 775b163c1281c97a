// Package authority validates session membership against the external
// system of record, caching snapshots so the relay does not hammer it on
// every connection or message.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"bingorelay/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client fetches session snapshots over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client for the authority at baseURL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger.With().Str("component", "authority").Logger(),
	}
}

// sessionResponse is the authority's wire format.
type sessionResponse struct {
	Success bool                   `json:"success"`
	Data    *types.SessionSnapshot `json:"data"`
}

// Session fetches one session's membership snapshot. A session the
// authority does not know returns (nil, nil); an unreachable or misbehaving
// authority returns an error so callers can tell outages from invalid
// identities.
func (c *Client) Session(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	url := fmt.Sprintf("%s/api/sessions/%s", c.baseURL, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch session %s: authority returned %d", sessionID, resp.StatusCode)
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}

	if !body.Success || body.Data == nil {
		c.log.Debug().Str("session", sessionID).Msg("authority reports no such session")
		return nil, nil
	}
	return body.Data, nil
}
