package main

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

// client is a thin JSON client for the longrun server API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode, Code: "unknown", Message: resp.Status}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type taskView struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Status             string            `json:"status"`
	Lane               string            `json:"lane"`
	Capability         string            `json:"capability"`
	RiskFlags          []string          `json:"riskFlags"`
	CurrentStepIndex   int               `json:"currentStepIndex"`
	Percentage         int               `json:"percentage"`
	ApprovalStatus     string            `json:"approvalStatus"`
	ApprovalResolvedBy string            `json:"approvalResolvedBy"`
	Result             string            `json:"result"`
	ErrorMessage       string            `json:"errorMessage"`
	Metadata           map[string]string `json:"metadata"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type progressView struct {
	TaskID           string    `json:"taskId"`
	Percentage       int       `json:"percentage"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

type stepView struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Capability  string `json:"capability"`
	Command     string `json:"command"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
}

type planView struct {
	TaskID    string     `json:"taskId"`
	ModelTag  string     `json:"modelTag"`
	RiskFlags []string   `json:"riskFlags"`
	Steps     []stepView `json:"steps"`
}

type commentView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *client) submit(ctx context.Context, title, description, actor, tenant string) (*taskView, error) {
	var t taskView
	err := c.do(ctx, http.MethodPost, "/api/tasks", map[string]string{
		"title":       title,
		"description": description,
		"actor":       actor,
		"tenantId":    tenant,
	}, &t)
	return &t, err
}

func (c *client) getTask(ctx context.Context, id string) (*taskView, error) {
	var t taskView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t)
	return &t, err
}

func (c *client) getProgress(ctx context.Context, id string) (*progressView, error) {
	var p progressView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/progress", nil, &p)
	return &p, err
}

func (c *client) getPlan(ctx context.Context, id string) (*planView, error) {
	var p planView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/plan", nil, &p)
	return &p, err
}

func (c *client) approve(ctx context.Context, id, approver string) (*taskView, error) {
	var t taskView
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/approve", map[string]string{
		"approver": approver,
	}, &t)
	return &t, err
}

func (c *client) reject(ctx context.Context, id, approver, reason string) (*taskView, error) {
	var t taskView
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/reject", map[string]string{
		"approver": approver,
		"reason":   reason,
	}, &t)
	return &t, err
}

func (c *client) listComments(ctx context.Context, id string) ([]commentView, error) {
	var comments []commentView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/comments", nil, &comments)
	return comments, err
}

func (c *client) addComment(ctx context.Context, id, author, message string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/comments", map[string]string{
		"author":  author,
		"message": message,
	}, nil)
}
