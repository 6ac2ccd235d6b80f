// Package esclient implements backend.Backend against a live
// Elasticsearch cluster using the official go-elasticsearch client.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/threatscan/scanner/internal/backend"
)

// Config carries the connection settings a Client is built from.
type Config struct {
	Addresses []string
	APIKey    string
	Username  string
	Password  string
}

// Client is a backend.Backend backed by a real Elasticsearch cluster.
type Client struct {
	es *elasticsearch.Client
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	esCfg := elasticsearch.Config{Addresses: cfg.Addresses}
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("build elasticsearch client: %w", err)
	}
	return &Client{es: es}, nil
}

// OpenPointInTime opens a point-in-time cursor over index.
func (c *Client) OpenPointInTime(ctx context.Context, index []string, keepAlive time.Duration) (string, error) {
	req := esapi.OpenPointInTimeRequest{
		Index:     index,
		KeepAlive: fmt.Sprintf("%dms", keepAlive.Milliseconds()),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return "", fmt.Errorf("open point in time: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", responseError("open point in time", res)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode open point in time response: %w", err)
	}
	return body.ID, nil
}

// ClosePointInTime releases a point-in-time cursor.
func (c *Client) ClosePointInTime(ctx context.Context, pitID string) error {
	body, err := json.Marshal(map[string]interface{}{"id": pitID})
	if err != nil {
		return fmt.Errorf("encode close point in time request: %w", err)
	}

	req := esapi.ClosePointInTimeRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("close point in time: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("close point in time", res)
	}
	return nil
}

// Search runs one page request against an open point in time.
func (c *Client) Search(ctx context.Context, sreq backend.SearchRequest) ([]backend.Hit, error) {
	body := map[string]interface{}{
		"size": sreq.Size,
		"query": sreq.Query,
		"sort":  sreq.Sort,
		"pit": map[string]interface{}{
			"id":         sreq.PitID,
			"keep_alive": "1m",
		},
	}
	if len(sreq.SearchAfter) > 0 {
		body["search_after"] = sreq.SearchAfter
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req := esapi.SearchRequest{Body: bytes.NewReader(encoded)}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("search", res)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Index  string          `json:"_index"`
				Source json.RawMessage `json:"_source"`
				Sort   []interface{}   `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]backend.Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, backend.Hit{ID: h.ID, Index: h.Index, Source: h.Source, Sort: h.Sort})
	}
	return hits, nil
}

// Count evaluates query against index, early-terminating at
// terminateAfter hits when set.
func (c *Client) Count(ctx context.Context, index []string, query map[string]interface{}, terminateAfter int) (int64, error) {
	body := map[string]interface{}{
		"size":  0,
		"query": query,
	}
	if terminateAfter > 0 {
		body["track_total_hits"] = terminateAfter
		body["terminate_after"] = terminateAfter
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode count request: %w", err)
	}

	req := esapi.SearchRequest{
		Index: index,
		Body:  bytes.NewReader(encoded),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError("count", res)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return parsed.Hits.Total.Value, nil
}

// Bulk submits a batch of partial-document updates as NDJSON.
func (c *Client) Bulk(ctx context.Context, ops []backend.BulkOp) (*backend.BulkResult, error) {
	if len(ops) == 0 {
		return &backend.BulkResult{}, nil
	}

	var buf bytes.Buffer
	for _, op := range ops {
		action, err := json.Marshal(map[string]interface{}{
			"update": map[string]interface{}{"_id": op.ID, "_index": op.Index},
		})
		if err != nil {
			return nil, fmt.Errorf("encode bulk action for %s: %w", op.ID, err)
		}
		source, err := json.Marshal(map[string]interface{}{"doc": op.Doc})
		if err != nil {
			return nil, fmt.Errorf("encode bulk doc for %s: %w", op.ID, err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(source)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("bulk update: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("bulk update", res)
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	result := &backend.BulkResult{HasErrors: parsed.Errors}
	for _, item := range parsed.Items {
		for _, outcome := range item {
			if outcome.Error != nil {
				result.FailedIDs = append(result.FailedIDs, outcome.ID)
			}
		}
	}
	return result, nil
}

// PutMapping idempotently extends index's mapping with properties.
func (c *Client) PutMapping(ctx context.Context, index string, properties map[string]interface{}) error {
	encoded, err := json.Marshal(map[string]interface{}{"properties": properties})
	if err != nil {
		return fmt.Errorf("encode mapping for %s: %w", index, err)
	}

	req := esapi.IndicesPutMappingRequest{
		Index: []string{index},
		Body:  bytes.NewReader(encoded),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("put mapping for %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(fmt.Sprintf("put mapping for %s", index), res)
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	var msg bytes.Buffer
	_, _ = io.Copy(&msg, res.Body)
	return fmt.Errorf("%s: %s: %s", op, res.Status(), strings.TrimSpace(msg.String()))
}
