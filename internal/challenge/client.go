// Package challenge is a typed client for the external lesson-content
// generator. The execution engine never produces challenges itself; it
// forwards generation requests upstream and hands the response back.
package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "pygrade/1.0"

type GenerateRequest struct {
	LessonID   string `json:"lesson_id"`
	Difficulty string `json:"difficulty,omitempty"`
}

// Challenge carries the upstream response body verbatim. The gateway
// forwards it to the mobile client untouched, so unknown upstream fields
// survive the hop.
type Challenge struct {
	Body json.RawMessage
}

// UpstreamError is a non-2xx answer from the generator.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("challenge generator returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	r *resty.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)
	if token != "" {
		r.SetAuthToken(token)
	}
	return &Client{r: r}
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Challenge, error) {
	if req.LessonID == "" {
		return nil, fmt.Errorf("lesson_id must be provided")
	}

	res, err := c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/generate-new-challenge")
	if err != nil {
		return nil, fmt.Errorf("calling challenge generator: %w", err)
	}

	if res.IsError() {
		return nil, &UpstreamError{
			StatusCode: res.StatusCode(),
			Body:       truncate(res.String(), 512),
		}
	}

	body := res.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("challenge generator returned invalid JSON")
	}

	return &Challenge{Body: json.RawMessage(body)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
