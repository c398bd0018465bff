package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	portalCheckPath = "/validation/check"
	portalSyncPath  = "/synchronize"

	defaultHTTPTimeout = 15 * time.Second
)

var ErrRowVersionConflict = errors.New("row version conflict")

// ConflictError reports an optimistic-concurrency rejection from the
// synchronization endpoint: some entity in the batch carried a stale
// rowVersion.
type ConflictError struct {
	RequestID string `json:"requestId"`
	Entity    string `json:"entity"`
	Detail    string `json:"detail"`
}

func (e *ConflictError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("row version conflict on %s: %s", e.Entity, e.Detail)
	}
	return "row version conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRowVersionConflict
}

// MessageSource is the poller's view of the portal: fetch the current raw
// validation messages for one application.
type MessageSource interface {
	FetchMessages(ctx context.Context, year int, applicationID string) ([]string, error)
}

type PortalClient struct {
	baseURL string
	client  *http.Client
	debug   bool
}

func NewPortalClient(baseURL string, debug bool) *PortalClient {
	return &PortalClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		debug:   debug,
	}
}

func (c *PortalClient) debugf(format string, args ...any) {
	if c == nil || !c.debug {
		return
	}
	log.Printf(format, args...)
}

type checkRequest struct {
	Year          int    `json:"year"`
	ApplicationID string `json:"applicationId"`
}

// FetchMessages posts {year, applicationId} to the validation-check endpoint
// and returns the raw message list. Transport failures and non-2xx statuses
// come back as errors; a 2xx body that is not the expected array shape
// degrades to zero messages with a log line, not an error.
func (c *PortalClient) FetchMessages(ctx context.Context, year int, applicationID string) ([]string, error) {
	body, err := json.Marshal(checkRequest{Year: year, ApplicationID: applicationID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+portalCheckPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("portal check: unexpected status %s", resp.Status)
	}

	var payload struct {
		Data any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Printf("portal check: malformed response body, treating as zero messages: %v", err)
		return []string{}, nil
	}
	arr, ok := payload.Data.([]any)
	if !ok {
		log.Printf("portal check: response data is %T, not an array; treating as zero messages", payload.Data)
		return []string{}, nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			log.Printf("portal check: skipping non-string message entry %T", item)
			continue
		}
		out = append(out, s)
	}
	c.debugf("portal check app=%q year=%d messages=%d", applicationID, year, len(out))
	return out, nil
}

type SyncResult struct {
	RequestID   string           `json:"requestId"`
	Applied     int              `json:"applied"`
	RowVersions map[string]int64 `json:"rowVersions,omitempty"`
}

// Synchronize submits an entity-mutation batch. A 409 response maps to a
// *ConflictError (errors.Is(err, ErrRowVersionConflict) matches it).
func (c *PortalClient) Synchronize(ctx context.Context, batch SyncBatch) (*SyncResult, error) {
	if len(batch.Mutations) == 0 {
		return nil, fmt.Errorf("synchronize: empty batch")
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+portalSyncPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synchronize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		conflict := &ConflictError{RequestID: batch.RequestID}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, conflict); err != nil {
			conflict.Detail = string(raw)
		}
		return nil, conflict
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("synchronize: unexpected status %s", resp.Status)
	}

	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("synchronize: decode response: %w", err)
	}
	c.debugf("synchronize app=%q request=%s applied=%d", batch.ApplicationID, batch.RequestID, result.Applied)
	return &result, nil
}
