package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerateForwardsRequestAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/generate-new-challenge" {
			t.Errorf("path = %s, want /generate-new-challenge", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("authorization = %q, want bearer token", got)
		}

		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.LessonID != "loops-1" || req.Difficulty != "medium" {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"FizzBuzz","starter_code":"","extra_upstream_field":42}`))
	}))
	defer upstream.Close()

	c := New(upstream.URL, "sekrit", 5*time.Second)
	ch, err := c.Generate(context.Background(), GenerateRequest{LessonID: "loops-1", Difficulty: "medium"})
	if err != nil {
		t.Fatalf("Generate(): %v", err)
	}

	// The body passes through untouched, unknown fields included.
	if !strings.Contains(string(ch.Body), `"extra_upstream_field":42`) {
		t.Fatalf("upstream fields should survive: %s", ch.Body)
	}
}

func TestGenerateOmitsAuthWhenNoToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("authorization = %q, want empty", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	c := New(upstream.URL, "", 5*time.Second)
	if _, err := c.Generate(context.Background(), GenerateRequest{LessonID: "loops-1"}); err != nil {
		t.Fatalf("Generate(): %v", err)
	}
}

func TestGenerateRequiresLessonID(t *testing.T) {
	c := New("http://127.0.0.1:0", "", time.Second)
	if _, err := c.Generate(context.Background(), GenerateRequest{}); err == nil {
		t.Fatal("empty lesson_id should fail before any network call")
	}
}

func TestGenerateMapsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "generator overloaded", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	c := New(upstream.URL, "", 5*time.Second)
	_, err := c.Generate(context.Background(), GenerateRequest{LessonID: "loops-1"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", upErr.StatusCode)
	}
	if !strings.Contains(upErr.Body, "overloaded") {
		t.Fatalf("error should carry the upstream body, got %q", upErr.Body)
	}
}

func TestGenerateRejectsNonJSONBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer upstream.Close()

	c := New(upstream.URL, "", 5*time.Second)
	if _, err := c.Generate(context.Background(), GenerateRequest{LessonID: "loops-1"}); err == nil {
		t.Fatal("non-JSON upstream body should fail")
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(upstream.URL, "", 5*time.Second)
	if _, err := c.Generate(ctx, GenerateRequest{LessonID: "loops-1"}); err == nil {
		t.Fatal("expired context should abort the call")
	}
}
