// Package client talks to the control API of a running fleetvisor daemon.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetvisor/internal/models"
)

// All addresses every worker in control calls.
const All = "all"

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	// stream is used for follow requests, which must not time out.
	stream *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		stream:  &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to fleetvisor at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Kind = payload.Error
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

func workerPath(name string) string {
	return "/api/workers/" + url.PathEscape(name)
}

func (c *Client) List(ctx context.Context) ([]models.WorkerStatus, error) {
	var out []models.WorkerStatus
	err := c.do(ctx, http.MethodGet, "/api/workers", &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, name string) ([]models.WorkerStatus, error) {
	var out []models.WorkerStatus
	err := c.do(ctx, http.MethodGet, workerPath(name), &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (models.HealthReport, error) {
	var out models.HealthReport
	err := c.do(ctx, http.MethodGet, "/api/status", &out)
	return out, err
}

// Control runs start, stop or restart on one worker, or on the whole fleet
// when name is All. A single-worker call returns one result; a failure of
// that worker is returned as the error too.
func (c *Client) Control(ctx context.Context, action, name string) ([]models.Result, error) {
	switch action {
	case "start", "stop", "restart":
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	if name == All {
		var results []models.Result
		err := c.do(ctx, http.MethodPost, "/api/workers/"+action, &results)
		return results, err
	}

	err := c.do(ctx, http.MethodPost, workerPath(name)+"/"+action, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return []models.Result{{Worker: name, Kind: apiErr.Kind, Error: apiErr.Message}}, err
		}
		return nil, err
	}
	return []models.Result{{Worker: name, OK: true}}, nil
}

func (c *Client) History(ctx context.Context, name string) ([]models.ProcessInstance, error) {
	var out []models.ProcessInstance
	err := c.do(ctx, http.MethodGet, workerPath(name)+"/history", &out)
	return out, err
}

// Prune drops a worker's archived attempts and returns how many went.
func (c *Client) Prune(ctx context.Context, name string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, workerPath(name)+"/history", &out)
	return out.Removed, err
}

func logsPath(name string, lines int) string {
	q := url.Values{}
	q.Set("lines", strconv.Itoa(lines))
	if name == "" || name == All {
		return "/api/logs?" + q.Encode()
	}
	return workerPath(name) + "/logs?" + q.Encode()
}

func (c *Client) Logs(ctx context.Context, name string, lines int) ([]models.LogLine, error) {
	var out []models.LogLine
	err := c.do(ctx, http.MethodGet, logsPath(name, lines), &out)
	return out, err
}

// Follow prints the last lines of a worker and then every new line until
// ctx is done or the daemon closes the stream.
func (c *Client) Follow(ctx context.Context, name string, lines int, fn func(models.LogLine)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+logsPath(name, lines)+"&follow=1", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to fleetvisor at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		var line models.LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("failed to parse log line: %w", err)
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream: %w", err)
	}
	return nil
}
