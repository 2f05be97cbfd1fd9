package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	fastRetry := retryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	built, err := NewClient(Config{BaseURL: baseURL, Retry: &fastRetry})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return built
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected an error without a base url")
	}
}

func TestSubmitResponseSendsVisitorHeader(t *testing.T) {
	var receivedVisitor atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"voted":false}`)
			return
		}
		receivedVisitor.Store(r.Header.Get("X-Visitor-Id"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"response_id":"resp-1"}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	responseID, err := apiClient.SubmitResponse(context.Background(), "course-101", "great course", SubmitOptions{})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if responseID != "resp-1" {
		t.Fatalf("expected response id resp-1, got %q", responseID)
	}
	if got, _ := receivedVisitor.Load().(string); got != apiClient.VisitorID() {
		t.Fatalf("expected visitor header %q, got %q", apiClient.VisitorID(), got)
	}
}

func TestSubmitResponseShortCircuitsWhenAlreadyVoted(t *testing.T) {
	var postCount atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			postCount.Add(1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"response_id":"resp-1"}`)
			return
		}
		fmt.Fprint(w, `{"voted":true}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	_, err := apiClient.SubmitResponse(context.Background(), "course-101", "content", SubmitOptions{})
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if postCount.Load() != 0 {
		t.Fatalf("expected no POST after fast rejection, got %d", postCount.Load())
	}
}

func TestSubmitResponseMapsConflictToAlreadyVoted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"voted":false}`)
			return
		}
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"already_submitted"}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	_, err := apiClient.SubmitResponse(context.Background(), "course-101", "content", SubmitOptions{})
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted on 409, got %v", err)
	}
}

func TestSubmitResponseReportsAmbiguityOnTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"voted":false}`)
			return
		}
		// Drop the connection mid-request.
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer does not support hijacking")
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		conn.Close()
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	_, err := apiClient.SubmitResponse(context.Background(), "course-101", "content", SubmitOptions{})
	if !errors.Is(err, ErrAmbiguousWrite) {
		t.Fatalf("expected ErrAmbiguousWrite on dropped connection, got %v", err)
	}
}

func TestSubmitResponseSurvivesCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"voted":false}`)
			return
		}
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"response_id":"resp-1"}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	responseID, err := apiClient.SubmitResponse(ctx, "course-101", "content", SubmitOptions{})
	if err != nil {
		t.Fatalf("expected submission to complete despite cancelled context, got %v", err)
	}
	if responseID != "resp-1" {
		t.Fatalf("expected response id resp-1, got %q", responseID)
	}
}

func TestHasVotedRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"voted":true}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	voted, err := apiClient.HasVoted(context.Background(), "course-101")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if !voted {
		t.Fatalf("expected voted=true")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestHasVotedDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	if _, err := apiClient.HasVoted(context.Background(), "course-101"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt for a 400, got %d", attempts.Load())
	}
}

func TestToggleLikeDoesNotRetry(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	if _, err := apiClient.ToggleLike(context.Background(), "post-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected toggles to never retry, got %d attempts", attempts.Load())
	}
}

func TestToggleLikeReturnsServerTruth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"liked":true,"count":4}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	state, err := apiClient.ToggleLike(context.Background(), "post-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !state.Liked || state.Count != 4 {
		t.Fatalf("expected liked=true count=4, got %+v", state)
	}
}

func TestPredictToggle(t *testing.T) {
	optimistic := PredictToggle(LikeState{Liked: false, Count: 3})
	if !optimistic.Liked || optimistic.Count != 4 {
		t.Fatalf("expected liked=true count=4, got %+v", optimistic)
	}

	reverted := PredictToggle(optimistic)
	if reverted.Liked || reverted.Count != 3 {
		t.Fatalf("expected liked=false count=3, got %+v", reverted)
	}

	floored := PredictToggle(LikeState{Liked: true, Count: 0})
	if floored.Count != 0 {
		t.Fatalf("expected count floored at 0, got %d", floored.Count)
	}
}

func TestAnalysisDecodesDegradedFlags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"analysis":{"summary":"mixed","themes":["pace"],"sentiment_score":55,"action_items":[]},"computed_at_s":1748000000,"stale":true,"fallback":false}`)
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	result, err := apiClient.Analysis(context.Background(), "course-101", "sentiment")
	if err != nil {
		t.Fatalf("unexpected analysis error: %v", err)
	}
	if !result.Stale || result.Fallback {
		t.Fatalf("expected stale=true fallback=false, got %+v", result)
	}
	if result.Analysis.Summary != "mixed" {
		t.Fatalf("expected summary mixed, got %q", result.Analysis.Summary)
	}
}

func TestSubscribeDeliversEventsAndSkipsHeartbeats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not support flushing")
			return
		}
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "event: response-created\ndata: {\"subjectId\":\"course-101\",\"count\":0}\n\n")
		fmt.Fprint(w, "event: likes-changed\ndata: {\"subjectId\":\"course-101\",\"count\":7}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	events, cancel, err := apiClient.Subscribe(context.Background(), "course-101")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cancel()

	first := receiveEvent(t, events)
	if first.Type != "response-created" {
		t.Fatalf("expected response-created first (heartbeat skipped), got %q", first.Type)
	}

	second := receiveEvent(t, events)
	if second.Type != "likes-changed" || second.Count != 7 {
		t.Fatalf("expected likes-changed count=7, got %+v", second)
	}
}

func TestSubscribeCancelClosesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	apiClient := newTestClient(t, server.URL)
	events, cancel, err := apiClient.Subscribe(context.Background(), "course-101")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	cancel()

	select {
	case _, open := <-events:
		if open {
			t.Fatalf("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, open := <-events:
		if !open {
			t.Fatalf("event stream closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}
