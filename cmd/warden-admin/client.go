package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/migadu/warden/config"
)

// apiClient calls /command/<name> on the command API. Commands with a body
// are sent as POST, the rest as GET.
type apiClient struct {
	addr   string
	apiKey string
	http   *http.Client
}

func newAPIClient(cfg config.AdminCLIConfig) *apiClient {
	insecure := true
	if cfg.InsecureSkipVerify != nil {
		insecure = *cfg.InsecureSkipVerify
	}
	addr := strings.TrimRight(cfg.Addr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		addr:   addr,
		apiKey: cfg.APIKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
			},
		},
	}
}

// call runs one command and returns the decoded response. Non-2xx answers
// are errors carrying the server's reason when it sent one.
func (c *apiClient) call(ctx context.Context, command string, body any) (map[string]any, error) {
	method := http.MethodGet
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		method = http.MethodPost
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+"/command/"+command, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if reason, ok := result["reason"].(string); ok {
			return result, fmt.Errorf("%s failed (%d): %s", command, resp.StatusCode, reason)
		}
		if msg, ok := result["error"].(string); ok {
			return result, fmt.Errorf("%s failed (%d): %s", command, resp.StatusCode, msg)
		}
		return result, fmt.Errorf("%s failed with status %d", command, resp.StatusCode)
	}
	return result, nil
}
