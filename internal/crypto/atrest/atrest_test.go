package atrest

import (
	"bytes"
	"testing"
)

func TestSealOpen_Roundtrip(t *testing.T) {
	key := DeriveKey([]byte("pass"), []byte("0123456789abcdef"))

	sealed, err := Seal(key, "mutations", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("payload")) {
		t.Fatalf("plaintext visible in sealed value")
	}

	pt, err := Open(key, "mutations", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("roundtrip mismatch: %q", pt)
	}
}

func TestOpen_WrongCollectionAAD(t *testing.T) {
	key := DeriveKey([]byte("pass"), []byte("0123456789abcdef"))
	sealed, err := Seal(key, "mutations", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key, "assets", sealed); err == nil {
		t.Fatalf("want AAD failure when collection differs")
	}
}

func TestOpen_Truncated(t *testing.T) {
	key := DeriveKey([]byte("p"), []byte("0123456789abcdef"))
	if _, err := Open(key, "x", []byte("short")); err == nil {
		t.Fatalf("want error on truncated value")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey([]byte("pass"), []byte("0123456789abcdef"))
	b := DeriveKey([]byte("pass"), []byte("0123456789abcdef"))
	if !bytes.Equal(a, b) {
		t.Fatalf("same inputs must derive same key")
	}
	c := DeriveKey([]byte("pass"), []byte("fedcba9876543210"))
	if bytes.Equal(a, c) {
		t.Fatalf("different salt must derive different key")
	}
	if len(a) != KeyLen {
		t.Fatalf("key length %d, want %d", len(a), KeyLen)
	}
}
