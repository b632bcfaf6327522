// Package meshmsg implements C1: AES-CTR packet decryption and decoding of
// the Meshtastic ServiceEnvelope/MeshPacket/Data payload hierarchy into the
// typed per-portnum messages the processor understands.
package meshmsg

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// DefaultKey is the well-known 16-byte AES key that the configured channel
// key "AQ==" expands to (base64 1PG7OiApB1nwvP+rz05pAQ==).
var DefaultKey = []byte{0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59, 0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01}

const defaultKeyB64 = "AQ=="

// ParseEncryptionKey decodes the configured channel key string into AES key
// bytes. It tolerates URL-safe base64 characters and short strings padded to
// a multiple of 4, and expands the special-cased default "AQ==" to
// DefaultKey, matching the upstream Meshtastic convention.
func ParseEncryptionKey(key string) ([]byte, error) {
	if key == defaultKeyB64 {
		return DefaultKey, nil
	}

	padding := (4 - len(key)%4) % 4
	padded := key + strings.Repeat("=", padding)
	padded = strings.ReplaceAll(padded, "-", "+")
	padded = strings.ReplaceAll(padded, "_", "/")

	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("decoding channel key: %w", err)
	}
	switch len(decoded) {
	case 16, 24, 32:
		return decoded, nil
	default:
		return nil, fmt.Errorf("channel key has invalid length %d (want 16, 24, or 32 bytes)", len(decoded))
	}
}

// nonce builds the AES-CTR nonce: little-endian packet ID concatenated with
// little-endian originator NodeID.
func nonce(packetID, fromNodeID uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(b[8:16], uint64(fromNodeID))
	return b
}

// Decrypt decrypts an encrypted MeshPacket payload (AES-CTR) into a new
// buffer, leaving ciphertext untouched, and parses the result as the inner
// Data message. Decryption never fails in a
// way that is distinguishable from a garbled payload; a failure to parse the
// decrypted bytes as a Data message is reported so the caller can silently
// drop the packet.
func Decrypt(ciphertext []byte, key []byte, packetID, fromNodeID uint32) (*meshtastic.Data, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building AES cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	stream := cipher.NewCTR(block, nonce(packetID, fromNodeID))
	stream.XORKeyStream(plaintext, ciphertext)

	var data meshtastic.Data
	if err := proto.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("unmarshaling decrypted Data: %w", err)
	}
	return &data, nil
}

// TryDecode returns the decoded Data payload of a MeshPacket, decrypting it
// first if necessary. It returns an error (never panics) if the packet is
// neither already decoded nor decryptable with key.
func TryDecode(packet *meshtastic.MeshPacket, key []byte) (*meshtastic.Data, error) {
	switch v := packet.GetPayloadVariant().(type) {
	case *meshtastic.MeshPacket_Decoded:
		return v.Decoded, nil
	case *meshtastic.MeshPacket_Encrypted:
		return Decrypt(v.Encrypted, key, packet.GetId(), packet.GetFrom())
	default:
		return nil, fmt.Errorf("mesh packet has no payload variant")
	}
}
