package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Klein241/bufferwave/internal/relay"
	"github.com/Klein241/bufferwave/internal/services"
)

// ErrNoRelay is returned by Connect when the broker answers with DTN isolation
var ErrNoRelay = errors.New("no relay available")

// BrokerClient handles communication with the broker's JSON API
type BrokerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBrokerClient creates a new broker client
func NewBrokerClient(baseURL string, timeout time.Duration) *BrokerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the broker address the client talks to
func (c *BrokerClient) BaseURL() string {
	return c.baseURL
}

// Register announces the node to the broker
func (c *BrokerClient) Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResponse, error) {
	var result services.RegisterResponse
	if err := c.post(ctx, "/register", req, &result); err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}
	return &result, nil
}

// Connect asks for a relay. It returns ErrNoRelay in DTN isolation mode.
func (c *BrokerClient) Connect(ctx context.Context, userID string, profile relay.Profile) (*services.RelayInfo, error) {
	var result services.ConnectResponse
	req := services.ConnectRequest{UserID: userID, UserProfile: profile}
	if err := c.post(ctx, "/connect", req, &result); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if !result.Success || result.Mode != services.ModeCooperativeRelay || result.Relay == nil {
		return nil, ErrNoRelay
	}
	return result.Relay, nil
}

// Store hands a payload to the broker's DTN queue
func (c *BrokerClient) Store(ctx context.Context, req services.StoreRequest) (*services.StoreResponse, error) {
	var result services.StoreResponse
	if err := c.post(ctx, "/store", req, &result); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	return &result, nil
}

// Heartbeat sends a heartbeat to the broker
func (c *BrokerClient) Heartbeat(ctx context.Context, userID string) (*services.HeartbeatResponse, error) {
	var result services.HeartbeatResponse
	if err := c.post(ctx, "/heartbeat", services.UserRequest{UserID: userID}, &result); err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return &result, nil
}

// Disconnect tells the broker the node is leaving
func (c *BrokerClient) Disconnect(ctx context.Context, userID string) error {
	if err := c.post(ctx, "/disconnect", services.UserRequest{UserID: userID}, nil); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// ReportBandwidth credits relayed bytes to the node
func (c *BrokerClient) ReportBandwidth(ctx context.Context, userID string, bytesRelayed int64) (*services.BandwidthResponse, error) {
	var result services.BandwidthResponse
	req := services.BandwidthRequest{UserID: userID, BytesRelayed: bytesRelayed}
	if err := c.post(ctx, "/bandwidth", req, &result); err != nil {
		return nil, fmt.Errorf("failed to report bandwidth: %w", err)
	}
	return &result, nil
}

// Status fetches the broker summary. It doubles as the reachability probe.
func (c *BrokerClient) Status(ctx context.Context) (*services.StatusResponse, error) {
	var result services.StatusResponse
	if err := c.get(ctx, "/status", &result); err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	return &result, nil
}

// Nodes lists the reachable nodes
func (c *BrokerClient) Nodes(ctx context.Context) (*services.NodesResponse, error) {
	var result services.NodesResponse
	if err := c.get(ctx, "/nodes", &result); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return &result, nil
}

func (c *BrokerClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *BrokerClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *BrokerClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
