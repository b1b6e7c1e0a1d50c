package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/resilience"
)

const (
	payloadEntryID   = "entry_id"
	payloadNamespace = "namespace"
	payloadRecordID  = "record_id"
)

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

// PointID maps a deterministic entry id onto the UUID point id space.
func PointID(entryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(entryID)).String()
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, entries []domain.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	size := len(entries[0].Embedding)
	for _, e := range entries {
		if len(e.Embedding) != size || size == 0 {
			return domain.WrapError(domain.ErrVectorIndex, "upsert", fmt.Errorf("entry %s has dimension %d, expected %d", e.ID, len(e.Embedding), size))
		}
	}

	if err := c.ensureCollection(ctx, size); err != nil {
		return domain.WrapError(domain.ErrVectorIndex, "upsert", err)
	}

	points := make([]point, 0, len(entries))
	for _, e := range entries {
		payload := make(map[string]any, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			payload[k] = v
		}
		payload[payloadEntryID] = e.ID
		points = append(points, point{
			ID:      PointID(e.ID),
			Vector:  e.Embedding,
			Payload: payload,
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	if err := c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert"); err != nil {
		return domain.WrapError(domain.ErrVectorIndex, "upsert", err)
	}
	return nil
}

func (c *Client) Query(
	ctx context.Context,
	vector []float32,
	topK int,
	namespace string,
	filter map[string]string,
) ([]domain.VectorMatch, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	reqBody := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	conditions := make(map[string]string, len(filter)+1)
	for k, v := range filter {
		conditions[k] = v
	}
	if namespace != "" {
		conditions[payloadNamespace] = namespace
	}
	if len(conditions) > 0 {
		reqBody["filter"] = buildMatchFilter(conditions)
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrVectorIndex, "query", err)
	}

	out := make([]domain.VectorMatch, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.VectorMatch{
			ID:       getStringPayload(r.Payload, payloadEntryID),
			Score:    r.Score,
			Metadata: r.Payload,
		})
	}
	return out, nil
}

// DeleteByIDs removes entries by deterministic id. Unknown ids are ignored.
func (c *Client) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		points = append(points, PointID(id))
	}
	return c.deletePoints(ctx, map[string]any{"points": points}, "delete")
}

// DeleteRecord removes every entry of one record, including all of its chunks.
func (c *Client) DeleteRecord(ctx context.Context, namespace, recordID string) error {
	filter := buildMatchFilter(map[string]string{
		payloadNamespace: namespace,
		payloadRecordID:  recordID,
	})
	return c.deletePoints(ctx, map[string]any{"filter": filter}, "delete_record")
}

func (c *Client) deletePoints(ctx context.Context, reqBody map[string]any, operation string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, nil, operation); err != nil {
		if isNotFound(err) {
			return nil
		}
		return domain.WrapError(domain.ErrVectorIndex, operation, err)
	}
	return nil
}

func buildMatchFilter(conditions map[string]string) map[string]any {
	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{
			"key": k,
			"match": map[string]any{
				"value": conditions[k],
			},
		})
	}
	return map[string]any{"must": must}
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, reqBody, nil, "ensure_collection")
	// 409 if the collection already exists (depends on version/config).
	if err != nil && !isConflict(err) {
		return err
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) error {
	err := c.executor.Execute(ctx, "qdrant."+operation, func(callCtx context.Context) error {
		return c.send(callCtx, method, path, payload, out, operation)
	}, classifyQdrantError)
	return wrapTemporaryIfNeeded("qdrant "+operation, err)
}

func (c *Client) send(ctx context.Context, method, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
