package adminauth

import "testing"

func TestHashAndCompareRoundTrip(t *testing.T) {
	hash, err := HashSharedSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSharedSecret: %v", err)
	}
	if !Compare(hash, "s3cret") {
		t.Fatalf("Compare(correct) = false, want true")
	}
	if Compare(hash, "wrong") {
		t.Fatalf("Compare(wrong) = true, want false")
	}
}

func TestHashProducesDifferentSaltPerCall(t *testing.T) {
	h1, _ := HashSharedSecret("s3cret")
	h2, _ := HashSharedSecret("s3cret")
	if h1 == h2 {
		t.Fatalf("expected distinct salts, got identical hashes")
	}
	if !Compare(h1, "s3cret") || !Compare(h2, "s3cret") {
		t.Fatalf("both hashes must still verify the same plaintext")
	}
}
