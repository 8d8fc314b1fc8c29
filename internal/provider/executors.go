package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
)

const (
	ServiceText  = "text"
	ServiceImage = "image"

	textOutputTokenBudget = 800
)

type contentRequest struct {
	TaskID   string          `json:"task_id"`
	TenantID string          `json:"tenant_id"`
	Kind     string          `json:"kind"`
	Input    json.RawMessage `json:"input"`
}

type contentResponse struct {
	Result json.RawMessage `json:"result"`
}

// TextExecutor rewrites product copy or drafts blog posts in one blocking call.
type TextExecutor struct {
	client *Client
	path   string
}

func NewTextExecutor(client *Client, path string) *TextExecutor {
	return &TextExecutor{client: client, path: path}
}

func (e *TextExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	op := string(task.Kind)
	if !json.Valid(task.Input) {
		return nil, executor.Permanent(op, "input is not valid JSON")
	}

	var response contentResponse
	if err := e.client.do(ctx, op, http.MethodPost, e.path, newContentRequest(task), &response); err != nil {
		return nil, err
	}
	if len(response.Result) == 0 {
		return nil, executor.Permanent(op, "provider response without result")
	}
	return response.Result, nil
}

// EstimateTextTokens approximates the token cost of a text task: four input
// bytes per token plus the output budget.
func EstimateTextTokens(task domain.Task) int {
	return len(task.Input)/4 + textOutputTokenBudget
}

type imageSubmitResponse struct {
	ID string `json:"id"`
}

type imageStatusResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// ImageExecutor submits image optimization jobs and polls them later.
type ImageExecutor struct {
	client *Client
}

func NewImageExecutor(client *Client) *ImageExecutor {
	return &ImageExecutor{client: client}
}

func (e *ImageExecutor) Submit(ctx context.Context, task domain.Task) (string, error) {
	const op = "image_submit"
	if !json.Valid(task.Input) {
		return "", executor.Permanent(op, "input is not valid JSON")
	}

	var response imageSubmitResponse
	if err := e.client.do(ctx, op, http.MethodPost, "/v1/images/jobs", newContentRequest(task), &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.ID) == "" {
		return "", executor.Permanent(op, "provider accepted job without id")
	}
	return response.ID, nil
}

func (e *ImageExecutor) CheckStatus(ctx context.Context, handle string) (executor.CheckResult, error) {
	var response imageStatusResponse
	if err := e.client.do(ctx, "image_status", http.MethodGet, "/v1/images/jobs/"+url.PathEscape(handle), nil, &response); err != nil {
		return executor.CheckResult{}, err
	}

	switch strings.ToLower(strings.TrimSpace(response.Status)) {
	case "succeeded", "completed", "done":
		return executor.CheckResult{State: executor.CheckSucceeded, Result: response.Result}, nil
	case "failed", "error", "canceled", "cancelled":
		message := strings.TrimSpace(response.Error)
		if message == "" {
			message = "provider reported " + response.Status
		}
		return executor.CheckResult{State: executor.CheckFailed, Error: message}, nil
	default:
		return executor.CheckResult{State: executor.CheckPending}, nil
	}
}

func (e *ImageExecutor) Cancel(ctx context.Context, handle string) error {
	err := e.client.do(ctx, "image_cancel", http.MethodDelete, "/v1/images/jobs/"+url.PathEscape(handle), nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Register binds every content task kind to this provider.
func Register(registry *executor.Registry, client *Client) error {
	registrations := []executor.Registration{
		{
			Kind:    domain.TaskKindProductText,
			Service: ServiceText,
			Sync:    NewTextExecutor(client, "/v1/rewrite"),
			Cost:    EstimateTextTokens,
		},
		{
			Kind:    domain.TaskKindBlogPost,
			Service: ServiceText,
			Sync:    NewTextExecutor(client, "/v1/drafts"),
			Cost:    EstimateTextTokens,
		},
		{
			Kind:     domain.TaskKindImageOptimize,
			Service:  ServiceImage,
			TwoPhase: NewImageExecutor(client),
		},
	}
	for _, registration := range registrations {
		if err := registry.Register(registration); err != nil {
			return err
		}
	}
	return nil
}

func newContentRequest(task domain.Task) contentRequest {
	return contentRequest{
		TaskID:   task.ID,
		TenantID: task.TenantID,
		Kind:     string(task.Kind),
		Input:    task.Input,
	}
}
