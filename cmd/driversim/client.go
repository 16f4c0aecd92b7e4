package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"transport-dispatch/models"
)

// apiClient calls the dispatch HTTP API as one driver.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(e)
		return e
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) accept(ctx context.Context, tripID string) (*models.Trip, error) {
	var trip models.Trip
	if err := c.post(ctx, "/trips/"+tripID+"/accept", nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (c *apiClient) advance(ctx context.Context, tripID string, next models.TripStatus) (*models.Trip, error) {
	var trip models.Trip
	if err := c.post(ctx, "/trips/"+tripID+"/advance", map[string]string{"status": string(next)}, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}
