// Package client is the Go SDK for the CampusPulse anonymous feedback API. It
// owns the client half of the double-blind protocol: visitor identity lives
// here, travels only as a dedup key, and never accompanies content payloads.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const visitorIDHeader = "X-Visitor-Id"

var (
	// ErrAlreadyVoted reports that this visitor already submitted for the
	// subject. Treated as "nothing to do", not a failure.
	ErrAlreadyVoted = errors.New("client: already voted")
	// ErrAmbiguousWrite reports a write whose outcome is unknown (timeout
	// after the request was issued). Never auto-retried; surface it to the
	// user as "please check before resubmitting".
	ErrAmbiguousWrite = errors.New("client: write outcome unknown")
	// ErrUnavailable reports a transient backend failure.
	ErrUnavailable = errors.New("client: service unavailable")
	// ErrBadRequest reports input the backend rejected.
	ErrBadRequest = errors.New("client: bad request")
)

// Config describes a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Identity   *IdentityProvider
	Logger     *zap.Logger
	Retry      *retryConfig
}

// Client talks to the feedback API on behalf of one visitor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   *IdentityProvider
	logger     *zap.Logger
	retry      retryConfig
}

// NewClient constructs a Client. A missing identity provider degrades to a
// session-scoped identity.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	identity := cfg.Identity
	if identity == nil {
		identity = NewIdentityProvider(nil, cfg.Logger)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := defaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		identity:   identity,
		logger:     logger,
		retry:      retry,
	}, nil
}

// VisitorID exposes the identity this client submits under.
func (c *Client) VisitorID() string {
	return c.identity.VisitorID()
}

// HasVoted reports whether this visitor already submitted for the subject.
func (c *Client) HasVoted(ctx context.Context, subjectID string) (bool, error) {
	var payload struct {
		Voted bool `json:"voted"`
	}
	path := fmt.Sprintf("/v1/subjects/%s/votes/me", url.PathEscape(subjectID))
	err := retryRead(ctx, c.retry, func() error {
		return c.getJSON(ctx, path, &payload)
	}, isRetryable)
	if err != nil {
		return false, err
	}
	return payload.Voted, nil
}

// SubmitOptions carries the optional parts of a submission.
type SubmitOptions struct {
	Tags  []string
	Score int
	// DisplayEmail opts the submitter into self-service lookup. It is outside
	// the anonymity guarantee; leave empty to stay fully unlinkable.
	DisplayEmail string
}

// SubmitResponse runs the submission protocol: a fast HasVoted rejection, then
// the content-and-ledger write on the server. The POST is issued without ctx's
// cancellation so a view that unmounts mid-submission cannot strand a content
// record without its vote; the request runs to completion in the background of
// whatever lifetime the HTTP client allows.
func (c *Client) SubmitResponse(ctx context.Context, subjectID, content string, opts SubmitOptions) (string, error) {
	voted, err := c.HasVoted(ctx, subjectID)
	if err != nil {
		// The fast check is an optimization; enforcement is the server's
		// collision-keyed write. Proceed.
		c.logger.Debug("hasVoted fast check unavailable, proceeding to submit", zap.Error(err))
	} else if voted {
		return "", ErrAlreadyVoted
	}

	body, err := json.Marshal(map[string]interface{}{
		"content":       content,
		"tags":          opts.Tags,
		"score":         opts.Score,
		"display_email": opts.DisplayEmail,
	})
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/v1/subjects/%s/responses", url.PathEscape(subjectID))
	request, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(visitorIDHeader, c.identity.VisitorID())

	response, err := c.httpClient.Do(request)
	if err != nil {
		// The write may have landed before the failure; retrying could
		// duplicate content, so report ambiguity instead.
		return "", fmt.Errorf("%w: %v", ErrAmbiguousWrite, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusCreated:
		var payload struct {
			ResponseID string `json:"response_id"`
		}
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAmbiguousWrite, err)
		}
		return payload.ResponseID, nil
	case http.StatusConflict:
		return "", ErrAlreadyVoted
	case http.StatusBadRequest:
		return "", ErrBadRequest
	default:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}
}

// LikeState is the visitor-facing like status of a post.
type LikeState struct {
	Liked bool  `json:"liked"`
	Count int64 `json:"count"`
}

// PredictToggle returns the optimistic local state to show while a toggle is
// in flight. On write failure the caller rolls back to the prior state.
func PredictToggle(current LikeState) LikeState {
	if current.Liked {
		return LikeState{Liked: false, Count: max64(current.Count-1, 0)}
	}
	return LikeState{Liked: true, Count: current.Count + 1}
}

// ToggleLike flips this visitor's like on a post and returns server truth.
// Toggles are idempotent set mutations server-side, but they are still writes:
// no automatic retry.
func (c *Client) ToggleLike(ctx context.Context, postID string) (LikeState, error) {
	path := fmt.Sprintf("/v1/posts/%s/likes/toggle", url.PathEscape(postID))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, http.NoBody)
	if err != nil {
		return LikeState{}, err
	}
	request.Header.Set(visitorIDHeader, c.identity.VisitorID())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return LikeState{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return LikeState{}, statusError(response.StatusCode)
	}

	var state LikeState
	if err := json.NewDecoder(response.Body).Decode(&state); err != nil {
		return LikeState{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return state, nil
}

// AnalysisResult is the reader-facing analysis payload.
type AnalysisResult struct {
	Analysis struct {
		Summary        string   `json:"summary"`
		Themes         []string `json:"themes"`
		SentimentScore int      `json:"sentiment_score"`
		ActionItems    []string `json:"action_items"`
	} `json:"analysis"`
	ComputedAtSeconds int64 `json:"computed_at_s"`
	Stale             bool  `json:"stale"`
	Fallback          bool  `json:"fallback"`
}

// Analysis fetches the memoized analysis for a subject, with read retries.
func (c *Client) Analysis(ctx context.Context, subjectID, kind string) (AnalysisResult, error) {
	var payload AnalysisResult
	path := fmt.Sprintf("/v1/subjects/%s/analyses/%s", url.PathEscape(subjectID), url.PathEscape(kind))
	err := retryRead(ctx, c.retry, func() error {
		return c.getJSON(ctx, path, &payload)
	}, isRetryable)
	if err != nil {
		return AnalysisResult{}, err
	}
	return payload, nil
}

// Response is one anonymous content record as returned by the API.
type Response struct {
	ResponseID       string   `json:"response_id"`
	SubjectID        string   `json:"subject_id"`
	Content          string   `json:"content"`
	Tags             []string `json:"tags"`
	Score            int      `json:"score"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

// MyResponses returns the responses this user volunteered a display email on.
func (c *Client) MyResponses(ctx context.Context, email string) ([]Response, error) {
	var payload struct {
		Responses []Response `json:"responses"`
	}
	path := "/v1/responses/lookup?email=" + url.QueryEscape(email)
	err := retryRead(ctx, c.retry, func() error {
		return c.getJSON(ctx, path, &payload)
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	return payload.Responses, nil
}

// Event is one message from a subject's live feed.
type Event struct {
	Type      string
	SubjectID string
	Count     int64
}

type eventData struct {
	SubjectID string `json:"subjectId"`
	Count     int64  `json:"count"`
}

// Subscribe opens the subject's live feed. The returned cancel must be called
// when the consuming view is no longer active; it is also bound to ctx.
// Heartbeats are consumed internally and not delivered.
func (c *Client) Subscribe(ctx context.Context, subjectID string) (<-chan Event, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)

	path := fmt.Sprintf("/v1/subjects/%s/stream", url.PathEscape(subjectID))
	request, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancel()
		return nil, nil, statusError(response.StatusCode)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer response.Body.Close()
		reader := bufio.NewReader(response.Body)
		eventType := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || eventType == "" || eventType == "heartbeat" {
				continue
			}
			var data eventData
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &data); err != nil {
				c.logger.Debug("discarding undecodable feed event", zap.Error(err))
				continue
			}
			select {
			case events <- Event{Type: eventType, SubjectID: data.SubjectID, Count: data.Count}:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return events, cancel, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set(visitorIDHeader, c.identity.VisitorID())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return statusError(response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func statusError(statusCode int) error {
	switch {
	case statusCode == http.StatusConflict:
		return ErrAlreadyVoted
	case statusCode >= 400 && statusCode < 500:
		return fmt.Errorf("%w: status %d", ErrBadRequest, statusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, statusCode)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
