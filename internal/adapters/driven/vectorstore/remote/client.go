package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
)

// Client speaks the qdrant-compatible HTTP wire protocol. All requests go
// through the runtime's HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	rt      driven.Runtime
}

// NewClient creates a wire client for the given endpoint.
func NewClient(rt driven.Runtime, baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		rt:      rt,
	}
}

// point is the wire shape of one stored vector.
type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// scoredPoint is one search hit.
type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

// EnsureCollection creates the collection if it does not exist, with
// cosine distance.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if _, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil); err == nil {
		return nil
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	if _, err := c.do(ctx, http.MethodPut, "/collections/"+name, req); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// UpsertPoints writes points in one request. Callers batch to the wire
// limit.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []point) error {
	if len(points) == 0 {
		return nil
	}
	req := map[string]any{"points": points}
	_, err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", req)
	return err
}

// RetrievePoints fetches points by ID, without vectors.
func (c *Client) RetrievePoints(ctx context.Context, collection string, ids []string) ([]point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req := map[string]any{"ids": ids, "with_payload": true}
	data, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points", req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}

	out := make([]point, 0, len(parsed.Result))
	for _, p := range parsed.Result {
		out = append(out, point{ID: fmt.Sprintf("%v", p.ID), Payload: p.Payload})
	}
	return out, nil
}

// SearchPoints runs a vector search with an optional must/match filter.
func (c *Client) SearchPoints(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]scoredPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if len(filter) > 0 {
		req["filter"] = filter
	}

	data, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result []scoredPoint `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return parsed.Result, nil
}

// ScrollPoints pages through all points matching the filter. The returned
// offset is nil when the listing is exhausted.
func (c *Client) ScrollPoints(ctx context.Context, collection string, filter map[string]any, limit int, offset any, withVector bool) ([]point, any, error) {
	if limit <= 0 {
		limit = 100
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVector,
	}
	if len(filter) > 0 {
		req["filter"] = filter
	}
	if offset != nil {
		req["offset"] = offset
	}

	data, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", req)
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Payload map[string]any `json:"payload"`
				Vector  []float32      `json:"vector"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode scroll response: %w", err)
	}

	out := make([]point, 0, len(parsed.Result.Points))
	for _, p := range parsed.Result.Points {
		out = append(out, point{ID: fmt.Sprintf("%v", p.ID), Payload: p.Payload, Vector: p.Vector})
	}
	return out, parsed.Result.NextPageOffset, nil
}

// CountPoints counts points matching the filter.
func (c *Client) CountPoints(ctx context.Context, collection string, filter map[string]any) (int, error) {
	req := map[string]any{"exact": true}
	if len(filter) > 0 {
		req["filter"] = filter
	}

	data, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", req)
	if err != nil {
		return 0, err
	}

	var parsed struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return parsed.Result.Count, nil
}

// DeletePointsByIDs deletes the given point IDs.
func (c *Client) DeletePointsByIDs(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := map[string]any{"points": ids}
	_, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", req)
	return err
}

// DeletePointsByFilter deletes all points matching the filter.
func (c *Client) DeletePointsByFilter(ctx context.Context, collection string, filter map[string]any) error {
	if len(filter) == 0 {
		return nil
	}
	req := map[string]any{"filter": filter}
	_, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", req)
	return err
}

// do executes one JSON request against the endpoint.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.rt.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vector backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// matchFilter builds one key/value match condition.
func matchFilter(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

// matchAnyFilter builds one key/any-of condition.
func matchAnyFilter(key string, values []string) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"any": values},
	}
}

// mustFilter combines conditions conjunctively.
func mustFilter(conditions ...map[string]any) map[string]any {
	return map[string]any{"must": conditions}
}
