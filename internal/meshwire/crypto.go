package meshwire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
)

// defaultChannelKey is Meshtastic's published default AES-128 PSK, used for
// an empty channel key and for key index 0/1 of the single-byte index table.
var defaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// defaultKeyTable holds the 8 single-byte PSK index slots; only slots 0 and
// 1 carry a key. Empty slots and out-of-range indices fall back to index 0
// (see DeriveChannelKey).
var defaultKeyTable = [8][]byte{
	0: defaultChannelKey,
	1: defaultChannelKey,
}

// DeriveChannelKey derives the AES key used to decrypt packets on a channel,
// given its base64-encoded PSK configuration string. Rules, applied in
// order: empty -> default key index 0; one byte -> index into the 8-entry
// default table (defaulting to index 0 for indices outside 0-7 and for
// slots with no key); 16 or 32
// bytes -> used directly; any other length -> SHA-256 of the raw bytes,
// truncated to 16 bytes.
func DeriveChannelKey(channelKeyBase64 string) []byte {
	keyBytes, err := base64.StdEncoding.DecodeString(channelKeyBase64)
	if err != nil {
		sum := sha256.Sum256([]byte(channelKeyBase64))
		return sum[:16]
	}

	switch len(keyBytes) {
	case 0:
		return defaultKeyTable[0]
	case 1:
		idx := keyBytes[0]
		if int(idx) >= len(defaultKeyTable) || defaultKeyTable[idx] == nil {
			return defaultKeyTable[0]
		}
		return defaultKeyTable[idx]
	case 16, 32:
		return keyBytes
	default:
		sum := sha256.Sum256(keyBytes)
		return sum[:16]
	}
}

// buildNonce constructs the 16-byte AES-CTR initial counter block: the
// packet id as little-endian 8 bytes, the sender node id as little-endian 4
// bytes, followed by 4 zero bytes. This is Meshtastic's published nonce
// layout; a sibling implementation that instead zero-pads the sender id to 8
// bytes is a latent bug, not an alternate valid form.
func buildNonce(packetID uint64, fromNode uint32) []byte {
	nonce := make([]byte, 16)
	nonce[0] = byte(packetID)
	nonce[1] = byte(packetID >> 8)
	nonce[2] = byte(packetID >> 16)
	nonce[3] = byte(packetID >> 24)
	nonce[4] = byte(packetID >> 32)
	nonce[5] = byte(packetID >> 40)
	nonce[6] = byte(packetID >> 48)
	nonce[7] = byte(packetID >> 56)
	nonce[8] = byte(fromNode)
	nonce[9] = byte(fromNode >> 8)
	nonce[10] = byte(fromNode >> 16)
	nonce[11] = byte(fromNode >> 24)
	// bytes 12-15 remain zero
	return nonce
}

// decryptPayload decrypts an encrypted packet payload into a new slice using
// AES-CTR, leaving encrypted unchanged. Any failure (bad key length, etc.) returns an error; the caller
// treats every such error identically — drop the packet silently.
func decryptPayload(encrypted []byte, packetID uint64, fromNode uint32, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	nonce := buildNonce(packetID, fromNode)
	stream := cipher.NewCTR(block, nonce)
	out := make([]byte, len(encrypted))
	stream.XORKeyStream(out, encrypted)
	return out, nil
}
