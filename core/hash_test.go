package core

import (
	"encoding/json"
	"testing"
)

const validHashHex = "ab0000000000000000000000000000000000000000000000000000000000000c"

func TestHashFromHexRejectsWrongLength(t *testing.T) {
	if _, err := HashFromHex("abcd"); err == nil {
		t.Fatal("expected error for too-short hex string")
	}
}

func TestHashFromHexRejectsNonHex(t *testing.T) {
	bad := "zz" + validHashHex[2:]
	if _, err := HashFromHex(bad); err == nil {
		t.Fatal("expected error for non-hex characters")
	}
}

func TestHashFromHexRoundTrip(t *testing.T) {
	short := "ab0000000000000000000000000000000000000000000000000000000000000c"
	h, err := HashFromHex(short)
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if h.String() != short {
		t.Fatalf("String() roundtrip mismatch: got %s want %s", h.String(), short)
	}
}

func TestHashZero(t *testing.T) {
	if !ZeroHash.IsZero() {
		t.Fatal("ZeroHash.IsZero() should be true")
	}
	var h Hash32
	h[0] = 1
	if h.IsZero() {
		t.Fatal("non-zero hash reported as zero")
	}
}

func TestHashJSONRoundTrip(t *testing.T) {
	short := "ab0000000000000000000000000000000000000000000000000000000000000c"
	h, err := HashFromHex(short)
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	raw, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Hash32
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != h {
		t.Fatalf("JSON roundtrip mismatch: got %s want %s", out.String(), h.String())
	}
}

func TestHashBig(t *testing.T) {
	var h Hash32
	h[31] = 1
	if h.Big().Int64() != 1 {
		t.Fatalf("Big() = %s, want 1", h.Big().String())
	}
}
