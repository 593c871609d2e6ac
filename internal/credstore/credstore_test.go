package credstore

import (
	"testing"
	"time"

	"github.com/kiro-gateway/kirogate/internal/kiroauth"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	creds := kiroauth.Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		AuthMethod:   kiroauth.DialectSocial,
		Region:       "us-east-1",
	}
	if err = s.SaveCredentials("acct-1", creds); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	got, err := s.Load("acct-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != creds.AccessToken || got.RefreshToken != creds.RefreshToken || !got.ExpiresAt.Equal(creds.ExpiresAt) {
		t.Fatalf("got = %+v, want %+v", got, creds)
	}
}

func TestSaveSkipsIdenticalWrite(t *testing.T) {
	s, _ := New(t.TempDir())
	creds := kiroauth.Credentials{AccessToken: "at", RefreshToken: "rt", Region: "us-east-1"}

	if err := s.SaveCredentials("acct-1", creds); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveCredentials("acct-1", creds); err != nil {
		t.Fatalf("second save (identical): %v", err)
	}

	got, err := s.Load("acct-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "at" {
		t.Fatalf("got = %+v", got)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	s, _ := New(t.TempDir())
	_ = s.SaveCredentials("acct-1", kiroauth.Credentials{AccessToken: "at"})

	if err := s.Delete("acct-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("acct-1"); err == nil {
		t.Fatalf("expected error loading deleted credentials")
	}
}
