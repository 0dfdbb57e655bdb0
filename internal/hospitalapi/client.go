// Package hospitalapi is the HTTP client for the remote hospital directory service.
package hospitalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

// maxErrorBody caps how much of an error response ends up in RemoteError.Message
const maxErrorBody = 512

// Config holds the connection settings of the directory service client
type Config struct {
	BaseURL        string
	Timeout        time.Duration // total, per request
	ConnectTimeout time.Duration
	MaxKeepAlive   int
	MaxConnections int
	Retry          RetryPolicy
}

// RemoteError is returned for every failed call. Status is 0 when no HTTP
// response was received (connection refused, timeout, ...).
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote service unreachable: %s", e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// Client talks to the hospital directory service
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// NewClient builds a client with a pooled transport
func NewClient(cfg Config) *Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxKeepAlive,
		MaxIdleConnsPerHost: cfg.MaxKeepAlive,
		MaxConnsPerHost:     cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		retry: cfg.Retry,
	}
}

type createRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Phone           string `json:"phone,omitempty"`
	CreationBatchID string `json:"creation_batch_id"`
}

// CreateHospital creates one hospital tagged with the batch id
// POST {base}/hospitals/
func (c *Client) CreateHospital(ctx context.Context, batchID string, h models.HospitalCreate) (*models.HospitalResponse, error) {
	body, err := json.Marshal(createRequest{
		Name:            h.Name,
		Address:         h.Address,
		Phone:           h.Phone,
		CreationBatchID: batchID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode hospital: %w", err)
	}

	var created models.HospitalResponse
	err = c.retry.Do(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/hospitals/", body, &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ActivateBatch activates every hospital created with the batch id.
// The service activates by batch, hospitalIDs is only used for logging.
// PATCH {base}/hospitals/batch/{batch_id}/activate
func (c *Client) ActivateBatch(ctx context.Context, batchID string, hospitalIDs []int64) error {
	path := "/hospitals/batch/" + url.PathEscape(batchID) + "/activate"
	err := c.retry.Do(ctx, func() error {
		return c.do(ctx, http.MethodPatch, path, nil, nil)
	})
	if err != nil {
		return err
	}
	log.WithField("batch_id", batchID).Debugf("Activated %d hospitals", len(hospitalIDs))
	return nil
}

// GetBatchHospitals lists the hospitals created with the batch id
// GET {base}/hospitals/batch/{batch_id}
func (c *Client) GetBatchHospitals(ctx context.Context, batchID string) ([]models.HospitalResponse, error) {
	path := "/hospitals/batch/" + url.PathEscape(batchID)
	var hospitals []models.HospitalResponse
	err := c.retry.Do(ctx, func() error {
		hospitals = nil
		return c.do(ctx, http.MethodGet, path, nil, &hospitals)
	})
	if err != nil {
		return nil, err
	}
	if hospitals == nil {
		hospitals = []models.HospitalResponse{}
	}
	return hospitals, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RemoteError{Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{Status: resp.StatusCode, Message: errorMessage(resp.Status, msg)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Status: resp.StatusCode, Message: fmt.Sprintf("invalid response body: %v", err)}
	}
	return nil
}

// errorMessage prefers the "detail" field used by the directory service
func errorMessage(status string, body []byte) string {
	var payload struct {
		Detail interface{} `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return status
}
