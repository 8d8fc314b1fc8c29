package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/redact"
)

var ErrUnavailable = errors.New("content provider unavailable")

const maxErrorBodyLength = 700

type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	AppName    string
}

// Client talks to the external content-optimization service. It never retries:
// failures are classified and returned so the caller decides what to do.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	appName    string
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:9090"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.AppName) == "" {
		config.AppName = "content-worker"
	}

	return &Client{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		appName:    strings.TrimSpace(config.AppName),
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

// HTTPError is a non-2xx answer from the provider.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	if !c.Available() {
		return &executor.Error{Op: op, Err: ErrUnavailable}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := sonic.Marshal(body)
		if err != nil {
			return &executor.Error{Op: op, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, reader)
	if err != nil {
		return &executor.Error{Op: op, Message: fmt.Sprintf("create request: %v", err)}
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Title", c.appName)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return executor.Transient(op, fmt.Errorf("provider timeout: %w", err))
		}
		return executor.Transient(op, fmt.Errorf("provider transport error: %w", err))
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return executor.Transient(op, fmt.Errorf("read provider body: %w", err))
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := redact.Truncate(strings.TrimSpace(string(raw)), maxErrorBodyLength)
		httpErr := &HTTPError{StatusCode: response.StatusCode, Message: message}
		return &executor.Error{Op: op, Retryable: httpErr.Retryable(), Err: httpErr}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return &executor.Error{Op: op, Message: fmt.Sprintf("decode provider response: %v", err)}
	}
	return nil
}
