package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ClientNetwork names ledgers reached through Client
const ClientNetwork = "CropTrace Ledger (CometBFT)"

// Client talks to a ledger node over HTTP
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// AddCropRequest is the body of POST /ledger/crops
type AddCropRequest struct {
	CropID       string `json:"cropId"`
	Farmer       string `json:"farmer"`
	MetadataHash string `json:"metadataHash"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewClient creates a new ledger client
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) AddCrop(ctx context.Context, cropID, farmer, metadataHash string) (*Receipt, error) {
	var receipt Receipt
	err := c.do(ctx, http.MethodPost, "/ledger/crops", AddCropRequest{
		CropID:       cropID,
		Farmer:       farmer,
		MetadataHash: metadataHash,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) UpdateCropStatus(ctx context.Context, update StatusUpdate) (*Receipt, error) {
	var receipt Receipt
	path := fmt.Sprintf("/ledger/crops/%s/status", url.PathEscape(update.CropID))
	if err := c.do(ctx, http.MethodPost, path, update, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) GetCrop(ctx context.Context, cropID string) (*CropView, error) {
	var view CropView
	path := fmt.Sprintf("/ledger/crops/%s", url.PathEscape(cropID))
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) GetCropJourney(ctx context.Context, cropID string) ([]JourneyEntry, error) {
	journey := []JourneyEntry{}
	path := fmt.Sprintf("/ledger/crops/%s/journey", url.PathEscape(cropID))
	if err := c.do(ctx, http.MethodGet, path, nil, &journey); err != nil {
		return nil, err
	}
	return journey, nil
}

// Available reports whether the ledger node answers its status endpoint
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.HealthCheck(ctx) == nil
}

func (c *Client) ContractAddress() string { return c.endpoint }

func (c *Client) Network() string { return ClientNetwork }

// HealthCheck checks if the ledger node is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/ledger/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check failed with status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read ledger response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse ledger response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrCropNotFound, env.Message)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrCropExists, env.Message)
	case resp.StatusCode >= 300 || !env.Success:
		return fmt.Errorf("ledger returned error status %d: %s", resp.StatusCode, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse ledger data: %w", err)
		}
	}
	return nil
}
