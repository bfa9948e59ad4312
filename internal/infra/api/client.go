package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quiz-session-service/internal/domain"
)

// envelope is the backend's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type profile struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	BucketID *string `json:"bucketId"`
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status code: %d, response: %s", e.Status, e.Message)
}

// Client talks to the application backend that owns users and question content.
type Client struct {
	baseURL string
	client  *http.Client
	token   string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithServiceToken sets the bearer token used for server-to-server calls.
func (c *Client) WithServiceToken(token string) *Client {
	c.token = token
	return c
}

// LoadQuestions fetches GET /quiz-game/questions?roomId={roomID}.
func (c *Client) LoadQuestions(ctx context.Context, roomID string) (domain.QuestionSet, error) {
	var questions []domain.Question
	err := c.do(ctx, http.MethodGet, "/quiz-game/questions?roomId="+url.QueryEscape(roomID), c.token, nil, &questions)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return domain.QuestionSet{}, fmt.Errorf("%w: %s", domain.ErrQuestionsNotFound, se.Message)
		}
		return domain.QuestionSet{}, fmt.Errorf("load questions: %w", err)
	}
	return domain.QuestionSet{RoomID: roomID, Questions: questions}, nil
}

// Authenticate resolves a player's bearer token through GET /users/profile.
func (c *Client) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	var p profile
	if err := c.do(ctx, http.MethodGet, "/users/profile", token, nil, &p); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return domain.Identity{}, domain.ErrUnauthenticated
		}
		return domain.Identity{}, fmt.Errorf("fetch profile: %w", err)
	}
	if p.ID == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	identity := domain.Identity{UserID: p.ID, DisplayName: p.Username}
	if p.BucketID != nil {
		identity.AvatarRef = *p.BucketID
	}
	return identity, nil
}

// RecordResult posts the final ranking to POST /quiz-game/results.
func (c *Client) RecordResult(ctx context.Context, result domain.GameResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/quiz-game/results", c.token, bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("submit result: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &StatusError{Status: resp.StatusCode, Message: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &StatusError{Status: http.StatusNotFound, Message: "empty data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
