package kiroclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSendDecompressesZstdBody(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	compressed := enc.EncodeAll([]byte("hello upstream"), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-amzn-kiro-agent-mode"); got != "vibe" {
			t.Errorf("x-amzn-kiro-agent-mode = %q, want vibe", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Encoding", "zstd")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client()}
	c.WithBaseURL(srv.URL)

	body, status, err := c.Send(context.Background(), "claude-3-5-sonnet", "tok-123", []byte(`{}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer func() { _ = body.Close() }()
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, []byte("hello upstream")) {
		t.Fatalf("got %q, want %q", got, "hello upstream")
	}
}

func TestSendClassifiesQuotaExhaustedAsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"MONTHLY_REQUEST_COUNT quota exceeded"}`))
	}))
	defer srv.Close()

	c := (&Client{httpClient: srv.Client()}).WithBaseURL(srv.URL)
	_, _, err := c.Send(context.Background(), "claude-3-5-sonnet", "tok", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	kerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if kerr.Class != ClassFatalAccount {
		t.Fatalf("class = %v, want ClassFatalAccount", kerr.Class)
	}
}

func TestSendClassifiesPlain429AsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limited, try again shortly"}`))
	}))
	defer srv.Close()

	c := (&Client{httpClient: srv.Client()}).WithBaseURL(srv.URL)
	_, _, err := c.Send(context.Background(), "claude-3-5-sonnet", "tok", []byte(`{}`))
	kerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if kerr.Class != ClassTransient {
		t.Fatalf("class = %v, want ClassTransient", kerr.Class)
	}
}

func TestSendClassifies401AsAuthChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := (&Client{httpClient: srv.Client()}).WithBaseURL(srv.URL)
	_, _, err := c.Send(context.Background(), "claude-3-5-sonnet", "tok", []byte(`{}`))
	kerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if kerr.Class != ClassAuthChallenge {
		t.Fatalf("class = %v, want ClassAuthChallenge", kerr.Class)
	}
}

func TestBaseURLForModelAmazonQ(t *testing.T) {
	if got := BaseURLForModel("amazonq-developer-pro"); got != amazonQBaseURL {
		t.Fatalf("BaseURLForModel = %q", got)
	}
}
