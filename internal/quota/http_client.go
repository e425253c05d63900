package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the quota service's management REST API.
//
// Conflict (409) on association and not-found (404) on removal map to the
// package sentinels so the Service layer can treat them as success.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for the given management API endpoint.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) CreateKey(ctx context.Context) (string, string, error) {
	var out struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodPost, "/keys", &out); err != nil {
		return "", "", err
	}
	return out.ID, out.Value, nil
}

func (c *HTTPClient) AddKeyToPlan(ctx context.Context, keyRef, planID string) error {
	path := fmt.Sprintf("/plans/%s/keys/%s", url.PathEscape(planID), url.PathEscape(keyRef))
	err := c.do(ctx, http.MethodPut, path, nil)
	if se, ok := err.(*statusError); ok && se.code == http.StatusConflict {
		return ErrAlreadyAssociated
	}
	return err
}

func (c *HTTPClient) RemoveKeyFromPlan(ctx context.Context, keyRef, planID string) error {
	path := fmt.Sprintf("/plans/%s/keys/%s", url.PathEscape(planID), url.PathEscape(keyRef))
	err := c.do(ctx, http.MethodDelete, path, nil)
	if se, ok := err.(*statusError); ok && se.code == http.StatusNotFound {
		return ErrNotAssociated
	}
	return err
}

func (c *HTTPClient) PlanQuota(ctx context.Context, planID string) (int64, error) {
	var out struct {
		RequestsPerMonth int64 `json:"requestsPerMonth"`
	}
	if err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(planID), &out); err != nil {
		return 0, err
	}
	return out.RequestsPerMonth, nil
}

func (c *HTTPClient) KeyUsage(ctx context.Context, keyRef, planID string, from, to time.Time) (int64, error) {
	path := fmt.Sprintf("/plans/%s/keys/%s/usage?from=%s&to=%s",
		url.PathEscape(planID), url.PathEscape(keyRef),
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	var out struct {
		Total int64 `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("quota service returned %d: %s", e.code, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("quota service request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode quota service response: %w", err)
		}
	}
	return nil
}
