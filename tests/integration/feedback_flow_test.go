package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/campuspulse/backend/internal/analysis"
	"github.com/campuspulse/backend/internal/auth"
	"github.com/campuspulse/backend/internal/database"
	"github.com/campuspulse/backend/internal/feedback"
	"github.com/campuspulse/backend/internal/server"
	"github.com/campuspulse/backend/pkg/client"
	"github.com/gin-gonic/gin"
)

type stubSummarizer struct {
	calls int
}

func (s *stubSummarizer) Summarize(_ context.Context, texts []string) (analysis.Analysis, error) {
	s.calls++
	return analysis.Analysis{
		Summary:        fmt.Sprintf("%d responses analyzed", len(texts)),
		Themes:         []string{"pace"},
		SentimentScore: 60,
		ActionItems:    []string{},
	}, nil
}

type testStack struct {
	server     *httptest.Server
	summarizer *stubSummarizer
}

func startStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ledger, err := feedback.NewLedger(feedback.LedgerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	contentStore, err := feedback.NewContentStore(feedback.ContentStoreConfig{
		Database:   db,
		IDProvider: feedback.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build content store: %v", err)
	}
	likeCounter, err := feedback.NewLikeCounter(feedback.LikeCounterConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build like counter: %v", err)
	}
	cache, err := analysis.NewCache(analysis.CacheConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build analysis cache: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		AccessKey:     "integration-access-key",
		Issuer:        "pulse-auth",
		Audience:      "pulse-api",
		TokenTTL:      time.Minute,
	})

	summarizer := &stubSummarizer{}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:   issuer,
		Ledger:        ledger,
		ContentStore:  contentStore,
		LikeCounter:   likeCounter,
		AnalysisCache: cache,
		Summarizer:    summarizer,
		Realtime:      server.NewRealtimeDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &testStack{server: httpServer, summarizer: summarizer}
}

func newSDKClient(t *testing.T, stack *testStack, name string) *client.Client {
	t.Helper()
	store := client.NewFileIdentityStore(filepath.Join(t.TempDir(), name, "visitor-id"))
	built, err := client.NewClient(client.Config{
		BaseURL:  stack.server.URL,
		Identity: client.NewIdentityProvider(store, nil),
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return built
}

func TestSubmitOncePerVisitorEndToEnd(t *testing.T) {
	stack := startStack(t)
	visitor := newSDKClient(t, stack, "visitor-1")

	responseID, err := visitor.SubmitResponse(context.Background(), "course-101", "lectures move too fast", client.SubmitOptions{
		Tags:  []string{"pace"},
		Score: 3,
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if responseID == "" {
		t.Fatalf("expected a response id")
	}

	if _, err := visitor.SubmitResponse(context.Background(), "course-101", "second attempt", client.SubmitOptions{}); !errors.Is(err, client.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted on second submit, got %v", err)
	}

	voted, err := visitor.HasVoted(context.Background(), "course-101")
	if err != nil {
		t.Fatalf("unexpected HasVoted error: %v", err)
	}
	if !voted {
		t.Fatalf("expected HasVoted to report true")
	}

	other := newSDKClient(t, stack, "visitor-2")
	if _, err := other.SubmitResponse(context.Background(), "course-101", "different take", client.SubmitOptions{}); err != nil {
		t.Fatalf("expected a distinct visitor to submit freely, got %v", err)
	}
}

func TestLiveFeedDeliversSubmissionsAndLikes(t *testing.T) {
	stack := startStack(t)
	reader := newSDKClient(t, stack, "reader")
	writer := newSDKClient(t, stack, "writer")

	events, cancel, err := reader.Subscribe(context.Background(), "course-101")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cancel()

	if _, err := writer.SubmitResponse(context.Background(), "course-101", "feedback", client.SubmitOptions{}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	event := receiveEvent(t, events)
	if event.Type != "response-created" {
		t.Fatalf("expected response-created event, got %q", event.Type)
	}
	if event.SubjectID != "course-101" {
		t.Fatalf("expected subject course-101, got %q", event.SubjectID)
	}
}

func TestLikeFeedCarriesCount(t *testing.T) {
	stack := startStack(t)
	reader := newSDKClient(t, stack, "reader")
	liker := newSDKClient(t, stack, "liker")

	events, cancel, err := reader.Subscribe(context.Background(), "post-1")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cancel()

	state, err := liker.ToggleLike(context.Background(), "post-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !state.Liked || state.Count != 1 {
		t.Fatalf("expected liked=true count=1, got %+v", state)
	}

	event := receiveEvent(t, events)
	if event.Type != "likes-changed" || event.Count != 1 {
		t.Fatalf("expected likes-changed count=1, got %+v", event)
	}
}

func TestAnalysisMemoizedAcrossReads(t *testing.T) {
	stack := startStack(t)
	visitor := newSDKClient(t, stack, "visitor-1")
	reader := newSDKClient(t, stack, "reader")

	if _, err := visitor.SubmitResponse(context.Background(), "course-101", "needs more office hours", client.SubmitOptions{}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	first, err := reader.Analysis(context.Background(), "course-101", "sentiment")
	if err != nil {
		t.Fatalf("unexpected analysis error: %v", err)
	}
	if first.Analysis.Summary != "1 responses analyzed" {
		t.Fatalf("unexpected summary %q", first.Analysis.Summary)
	}

	if _, err := reader.Analysis(context.Background(), "course-101", "sentiment"); err != nil {
		t.Fatalf("unexpected analysis error: %v", err)
	}
	if stack.summarizer.calls != 1 {
		t.Fatalf("expected a single summarizer call across reads, got %d", stack.summarizer.calls)
	}

	other := newSDKClient(t, stack, "visitor-2")
	if _, err := other.SubmitResponse(context.Background(), "course-101", "more practice problems", client.SubmitOptions{}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if _, err := reader.Analysis(context.Background(), "course-101", "sentiment"); err != nil {
		t.Fatalf("unexpected analysis error: %v", err)
	}
	if stack.summarizer.calls != 2 {
		t.Fatalf("expected recompute after a new submission, got %d calls", stack.summarizer.calls)
	}
}

func receiveEvent(t *testing.T, events <-chan client.Event) client.Event {
	t.Helper()
	select {
	case event, open := <-events:
		if !open {
			t.Fatalf("event stream closed unexpectedly")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return client.Event{}
	}
}
