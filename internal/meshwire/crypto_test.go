package meshwire

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestDeriveChannelKey_Empty(t *testing.T) {
	key := DeriveChannelKey("")
	if !bytes.Equal(key, defaultChannelKey) {
		t.Errorf("expected default channel key for empty input, got %x", key)
	}
}

func TestDeriveChannelKey_SingleByteIndex(t *testing.T) {
	idx := base64.StdEncoding.EncodeToString([]byte{1})
	key := DeriveChannelKey(idx)
	if !bytes.Equal(key, defaultChannelKey) {
		t.Errorf("expected default key for index 1, got %x", key)
	}
}

func TestDeriveChannelKey_SingleByteOutOfRange(t *testing.T) {
	idx := base64.StdEncoding.EncodeToString([]byte{200})
	key := DeriveChannelKey(idx)
	if !bytes.Equal(key, defaultKeyTable[0]) {
		t.Errorf("expected fallback to index 0 for out-of-range index, got %x", key)
	}
}

func TestDeriveChannelKey_16Byte(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 16)
	key := DeriveChannelKey(base64.StdEncoding.EncodeToString(raw))
	if !bytes.Equal(key, raw) {
		t.Errorf("expected 16-byte key used directly, got %x", key)
	}
}

func TestDeriveChannelKey_32Byte(t *testing.T) {
	raw := bytes.Repeat([]byte{0x07}, 32)
	key := DeriveChannelKey(base64.StdEncoding.EncodeToString(raw))
	if !bytes.Equal(key, raw) {
		t.Errorf("expected 32-byte key used directly, got %x", key)
	}
}

func TestDeriveChannelKey_OtherLengthHashes(t *testing.T) {
	raw := bytes.Repeat([]byte{0x09}, 10)
	key := DeriveChannelKey(base64.StdEncoding.EncodeToString(raw))
	if len(key) != 16 {
		t.Fatalf("expected derived key of length 16, got %d", len(key))
	}
	if bytes.Equal(key, raw[:10]) {
		t.Errorf("expected hashed key, not the raw bytes")
	}
}

func TestDeriveChannelKey_InvalidBase64Hashes(t *testing.T) {
	key := DeriveChannelKey("not-valid-base64!!!")
	if len(key) != 16 {
		t.Fatalf("expected 16-byte fallback key, got %d bytes", len(key))
	}
}

func TestBuildNonce_Layout(t *testing.T) {
	nonce := buildNonce(0x0102030405060708, 0xaabbccdd)
	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0xdd, 0xcc, 0xbb, 0xaa,
		0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(nonce, want) {
		t.Errorf("buildNonce layout mismatch: got %x, want %x", nonce, want)
	}
}

func TestDecryptPayload_RoundTrip(t *testing.T) {
	key := defaultChannelKey
	plaintext := []byte("hello mesh packet payload")

	ciphertext, err := decryptPayload(plaintext, 99, 0x1234, key)
	if err != nil {
		t.Fatalf("encrypt (via decrypt symmetry) failed: %v", err)
	}

	roundTrip, err := decryptPayload(ciphertext, 99, 0x1234, key)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(roundTrip, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", roundTrip, plaintext)
	}
}

func TestDecryptPayload_BadKeyLength(t *testing.T) {
	_, err := decryptPayload([]byte("x"), 1, 1, []byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for invalid AES key length")
	}
}
