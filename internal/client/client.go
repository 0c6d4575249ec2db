// Package client talks to the board API on behalf of a peer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"taskboard/api/internal/events"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/rank"
)

type Task struct {
	ID          string    `json:"id"`
	SectionID   string    `json:"sectionId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Rank        rank.Rank `json:"rank"`
}

type Section struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Tasks    []Task `json:"tasks"`
}

type Board struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Role     string    `json:"role"`
	Sections []Section `json:"sections"`
}

// Section returns the section with the given id.
func (b Board) Section(id string) (Section, bool) {
	for _, s := range b.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Items returns the section's tasks as an ordering snapshot.
func (s Section) Items() []ordering.Item {
	items := make([]ordering.Item, len(s.Tasks))
	for i, t := range s.Tasks {
		items[i] = ordering.Item{ID: t.ID, Rank: t.Rank}
	}
	ordering.SortItems(items)
	return items
}

type MoveResult struct {
	TaskID     string               `json:"taskId"`
	SectionID  string               `json:"sectionId"`
	Rank       rank.Rank            `json:"rank"`
	Unchanged  bool                 `json:"unchanged"`
	Rebalanced []ordering.Placement `json:"rebalanced"`
}

// APIError is a non-2xx response that does not map to a move rejection.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for the API at baseURL. A nil httpClient gets a
// default one with a 10 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login creates or resumes the named user and keeps the returned token for
// later calls.
func (c *Client) Login(ctx context.Context, name string) error {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/session/login", map[string]any{"name": name}, &out); err != nil {
		return err
	}
	c.SetToken(out.Token)
	return nil
}

func (c *Client) Board(ctx context.Context, projectID string) (Board, error) {
	var out Board
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/board", nil, &out)
	return out, err
}

// Move sends cmd to the server, which re-resolves the anchor against its own
// state. Rejections come back as *ordering.Rejection.
func (c *Client) Move(ctx context.Context, projectID string, cmd ordering.MoveCommand) (MoveResult, error) {
	body := map[string]any{
		"event":     "UPDATE_POSITION",
		"taskId":    cmd.ItemID,
		"sectionId": cmd.ContainerID,
		"anchor":    cmd.Anchor,
	}
	var out MoveResult
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/update", body, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, projectID, sectionID, title string) (Task, error) {
	body := map[string]any{"event": "CREATE_TASK", "sectionId": sectionID, "title": title}
	var out struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/update", body, &out)
	return out.Task, err
}

func (c *Client) DeleteTask(ctx context.Context, projectID, taskID string) error {
	body := map[string]any{"event": "DELETE_TASK", "taskId": taskID}
	return c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/update", body, nil)
}

// NextEvent polls for the next change the client has not seen. It returns
// nil when nothing is pending.
func (c *Client) NextEvent(ctx context.Context, projectID, clientID string) (*events.ChangeEvent, error) {
	path := "/api/projects/" + url.PathEscape(projectID) + "/events"
	if clientID != "" {
		path += "?clientId=" + url.QueryEscape(clientID)
	}
	var out struct {
		Event *events.ChangeEvent `json:"event"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Event, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns an error body into a rejection when its code names one.
func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Details struct {
			ID string `json:"id"`
		} `json:"details"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)

	switch reason := ordering.Reason(body.Code); reason {
	case ordering.ReasonNeighborNotFound, ordering.ReasonItemNotFound, ordering.ReasonContainerNotFound, ordering.ReasonSelfDrop:
		return ordering.Reject(reason, body.Details.ID)
	}
	if resp.StatusCode == http.StatusForbidden {
		return ordering.Reject(ordering.ReasonPermissionDenied, "")
	}
	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}
