package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RandomOrgClient fetches random strings from the random.org JSON-RPC API.
type RandomOrgClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewRandomOrgClient creates a client for the given invoke URL and API key.
func NewRandomOrgClient(url, apiKey string) *RandomOrgClient {
	return &RandomOrgClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	APIKey     string `json:"apiKey"`
	N          int    `json:"n"`
	Length     int    `json:"length"`
	Characters string `json:"characters"`
}

type rpcResponse struct {
	Result *struct {
		Random struct {
			Data []string `json:"data"`
		} `json:"random"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RandomString requests one lowercase string of ten characters.
func (c *RandomOrgClient) RandomString(ctx context.Context) (string, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "generateStrings",
		Params: rpcParams{
			APIKey:     c.apiKey,
			N:          1,
			Length:     10,
			Characters: "abcdefghijklmnopqrstuvwxyz",
		},
		ID: 1,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call random.org: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("random.org returned status %d", resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("random.org error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil || len(out.Result.Random.Data) == 0 {
		return "", errors.New("random.org returned no data")
	}

	return out.Result.Random.Data[0], nil
}
