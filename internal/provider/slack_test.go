package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSlackPostMessage(t *testing.T) {
	var gotPath, gotChannel, gotThread string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotChannel = r.FormValue("channel")
		gotThread = r.FormValue("thread_ts")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlack(srv.URL, srv.Client())
	target := Target{Channel: "C123", ThreadTS: "1699999999.000001", TaskID: "t-1", Token: "xoxb-test"}
	id, err := s.PostMessage(context.Background(), target, "task finished")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if id != "C123:1700000000.000100" {
		t.Fatalf("artifact id = %q", id)
	}
	if gotPath != "/chat.postMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotChannel != "C123" || gotThread != "1699999999.000001" {
		t.Fatalf("channel = %q thread = %q", gotChannel, gotThread)
	}
}

func TestSlackPostMessageAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlack(srv.URL, srv.Client())
	if _, err := s.PostMessage(context.Background(), Target{Channel: "C404", Token: "xoxb-test"}, "x"); err == nil {
		t.Fatal("expected error for channel_not_found")
	}
}
