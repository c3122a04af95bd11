package transpile

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client calls the converter API over HTTP. Requests are bounded by the
// configured timeout so a hung engine cannot stall a shard indefinitely.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type transpileRequest struct {
	Query       string `json:"query"`
	FromDialect string `json:"from_dialect"`
	ToDialect   string `json:"to_dialect"`
}

type transpileResponse struct {
	Result
	Error string `json:"error,omitempty"`
}

func (c *Client) Transpile(ctx context.Context, query, fromDialect, toDialect string) (Result, error) {
	body, err := json.Marshal(transpileRequest{
		Query:       query,
		FromDialect: fromDialect,
		ToDialect:   toDialect,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "marshal transpile request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/transpile", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "build transpile request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "call converter")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, errors.Wrap(err, "read converter response")
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, errors.Errorf("converter returned %d: %s", resp.StatusCode, truncate(payload, 512))
	}

	var out transpileResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Result{}, errors.Wrap(err, "decode converter response")
	}
	if out.Error != "" {
		return Result{}, errors.New(out.Error)
	}
	return out.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Transpiler = (*Client)(nil)
