package doubao

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoint string) engine.Config {
	return engine.Config{
		Credential: "test-token",
		Voice:      "zh_female_qingxin",
		Extra: map[string]string{
			"appid":    "app-1",
			"endpoint": endpoint,
		},
	}
}

func collect(t *testing.T, events <-chan engine.Event) []engine.Event {
	t.Helper()
	var out []engine.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func TestSynthesizeStreamsAudio(t *testing.T) {
	first := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	second := base64.StdEncoding.EncodeToString([]byte{5, 6})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, `{"code":0,"data":%q}`+"\n", first)
		flusher.Flush()
		fmt.Fprintln(w, `{"code":0,"sentence":{"text":"你好"}}`)
		flusher.Flush()
		fmt.Fprintf(w, `{"code":0,"data":%q}`+"\n", second)
		fmt.Fprintf(w, `{"code":%d,"message":"done"}`+"\n", codeSuccessDone)
		flusher.Flush()
	}))
	defer server.Close()

	eng := New(testLogger())
	events, err := eng.Synthesize(context.Background(), "你好，世界。", engine.DefaultParams(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, events)
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != engine.EventStarted {
		t.Fatalf("expected started first, got %v", got[0].Kind)
	}
	if got[1].Kind != engine.EventAudio || len(got[1].PCM) != 4 {
		t.Fatalf("unexpected first audio event: %+v", got[1])
	}
	if got[2].Kind != engine.EventAudio || len(got[2].PCM) != 2 {
		t.Fatalf("unexpected second audio event: %+v", got[2])
	}
	if got[3].Kind != engine.EventComplete {
		t.Fatalf("expected complete last, got %v", got[3].Kind)
	}
}

func TestProviderErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"code":4001,"message":"invalid token"}`)
	}))
	defer server.Close()

	eng := New(testLogger())
	events, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, events)
	last := got[len(got)-1]
	if last.Kind != engine.EventError {
		t.Fatalf("expected error event, got %v", last.Kind)
	}
	if code := engine.CodeOf(last.Err); code != engine.CodeAuthFailure {
		t.Fatalf("expected auth failure, got %s (%v)", code, last.Err)
	}
}

func TestHTTPAuthStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	eng := New(testLogger())
	events, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, events)
	if len(got) != 1 || got[0].Kind != engine.EventError {
		t.Fatalf("expected lone error event, got %+v", got)
	}
	if code := engine.CodeOf(got[0].Err); code != engine.CodeAuthFailure {
		t.Fatalf("expected auth failure, got %s", code)
	}
}

func TestTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := base64.StdEncoding.EncodeToString([]byte{9, 9})
		fmt.Fprintf(w, `{"code":0,"data":%q}`+"\n", data)
	}))
	defer server.Close()

	eng := New(testLogger())
	events, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, events)
	last := got[len(got)-1]
	if last.Kind != engine.EventError {
		t.Fatalf("expected error for truncated stream, got %+v", got)
	}
	if code := engine.CodeOf(last.Err); code != engine.CodeSynthesisFailure {
		t.Fatalf("expected synthesis failure, got %s", code)
	}
}

func TestStopCancelsInFlightCall(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := base64.StdEncoding.EncodeToString([]byte{1, 1})
		fmt.Fprintf(w, `{"code":0,"data":%q}`+"\n", data)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	eng := New(testLogger())
	events, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), testConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Consume up to the first audio event, then stop.
	for ev := range events {
		if ev.Kind == engine.EventAudio {
			break
		}
	}
	eng.Stop()

	// A stopped call may close without a terminal event; if one arrives
	// it must be a cancellation, never a completion.
	for ev := range events {
		if ev.Kind == engine.EventComplete {
			t.Fatal("expected no completion after stop")
		}
		if ev.Kind == engine.EventError {
			if code := engine.CodeOf(ev.Err); code != engine.CodeCancelled {
				t.Fatalf("expected cancelled, got %s (%v)", code, ev.Err)
			}
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	eng := New(testLogger())
	eng.Stop() // nothing in flight
	eng.Stop()
}

func TestSynthesizeFailsFastWithoutConfig(t *testing.T) {
	eng := New(testLogger())
	_, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), engine.Config{})
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if code := engine.CodeOf(err); code != engine.CodeNotConfigured {
		t.Fatalf("expected not configured, got %s", code)
	}
}

func TestReleasedEngineFailsFast(t *testing.T) {
	eng := New(testLogger())
	eng.Release()
	_, err := eng.Synthesize(context.Background(), "hello", engine.DefaultParams(), testConfig("http://127.0.0.1:1"))
	if err == nil {
		t.Fatal("expected error after release")
	}
	if code := engine.CodeOf(err); code != engine.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %s", code)
	}
}

func TestParamMapping(t *testing.T) {
	cases := []struct {
		host int
		want int
	}{
		{0, -50},
		{50, -25},
		{100, 0},
		{150, 50},
		{200, 100},
		{-10, -50},
		{500, 100},
	}
	for _, tc := range cases {
		if got := mapParam(tc.host); got != tc.want {
			t.Fatalf("mapParam(%d) = %d, want %d", tc.host, got, tc.want)
		}
	}
}
