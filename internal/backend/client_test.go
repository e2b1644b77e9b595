package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chadiek/voice-assistant/internal/agent"
	"github.com/chadiek/voice-assistant/internal/observability"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient("https://assistant.example")
	c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func TestExchange_SendsHistoryAndSideChannels(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type=%q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"message":"hi"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	reply, err := c.Exchange(context.Background(), agent.ExchangeRequest{
		Messages: []agent.Message{{Role: agent.RoleUser, Content: "hello", Sequence: 1}},
		Mode:     "coach",
		Context:  map[string]any{"goal": "sleep"},
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if reply != "hi" {
		t.Fatalf("reply=%q", reply)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages=%v", got["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "hello" {
		t.Fatalf("message=%v", first)
	}
	if _, leaked := first["Sequence"]; leaked {
		t.Fatalf("sequence leaked onto the wire")
	}
	if got["mode"] != "coach" {
		t.Fatalf("mode=%v", got["mode"])
	}
}

func TestExchange_OmitsEmptySideChannels(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()
	if _, err := newTestClient(srv).Exchange(context.Background(), agent.ExchangeRequest{}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(raw), &m)
	if _, ok := m["mode"]; ok {
		t.Fatalf("empty mode sent: %s", raw)
	}
	if _, ok := m["context"]; ok {
		t.Fatalf("empty context sent: %s", raw)
	}
}

func TestExchange_Failures(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantDetail string
	}{
		{"detail_string", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(502)
			_, _ = w.Write([]byte(`{"detail":"upstream timeout"}`))
		}, 502, "upstream timeout"},
		{"no_body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }, 500, "Chat failed"},
		{"non_json", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(503)
			_, _ = w.Write([]byte("oops"))
		}, 503, "Chat failed"},
		{"detail_list", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(422)
			_, _ = w.Write([]byte(`{"detail":[{"msg":"field required"}]}`))
		}, 422, `[{"msg":"field required"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := newTestClient(srv).Exchange(context.Background(), agent.ExchangeRequest{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Status != tc.wantStatus || apiErr.Detail != tc.wantDetail {
				t.Fatalf("got status=%d detail=%q", apiErr.Status, apiErr.Detail)
			}
		})
	}
}

func TestExchange_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()
	if _, err := newTestClient(srv).Exchange(context.Background(), agent.ExchangeRequest{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExchange_MissingBaseURL(t *testing.T) {
	if _, err := NewClient("").Exchange(context.Background(), agent.ExchangeRequest{}); err == nil {
		t.Fatalf("expected error without base url")
	}
}

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize-speech" {
			t.Errorf("path=%s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["text"] {
		case "hello":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte{0xff, 0xfb, 0x90})
		case "empty":
		default:
			w.WriteHeader(500)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv)

	audio, err := c.Synthesize(context.Background(), "hello")
	if err != nil || len(audio) != 3 {
		t.Fatalf("synthesize: %v len=%d", err, len(audio))
	}
	if _, err := c.Synthesize(context.Background(), "empty"); err == nil {
		t.Fatalf("expected error for empty audio")
	}
	_, err = c.Synthesize(context.Background(), "fail")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("expected APIError 500, got %v", err)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestExchange_ForwardsConversationID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(observability.ConversationHeader)
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()
	c := newTestClient(srv)

	if _, err := c.Exchange(context.Background(), agent.ExchangeRequest{}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got != "" {
		t.Fatalf("unexpected conversation header %q", got)
	}

	ctx := observability.WithConversationID(context.Background(), "conv-42")
	if _, err := c.Exchange(ctx, agent.ExchangeRequest{}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got != "conv-42" {
		t.Fatalf("conversation header=%q", got)
	}
}
