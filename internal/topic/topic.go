// Package topic renders the Host's 32-byte overlay rendezvous topic as the
// base58 "Server ID" shared out-of-band (QR code, clipboard paste) and
// parses it back.
package topic

import (
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size is the fixed byte length of a topic.
const Size = 32

// Topic is an opaque 32-byte overlay rendezvous identifier.
type Topic [Size]byte

// Generate mints a fresh random topic.
func Generate() (Topic, error) {
	var t Topic
	if _, err := rand.Read(t[:]); err != nil {
		return Topic{}, fmt.Errorf("topic: generate: %w", err)
	}
	return t, nil
}

// String renders the topic as base58, the form presented to users as the
// Server ID.
func (t Topic) String() string {
	return base58.Encode(t[:])
}

// Parse decodes a base58 Server ID, rejecting anything that does not yield
// exactly Size bytes (spec §6).
func Parse(serverID string) (Topic, error) {
	decoded, err := base58.Decode(serverID)
	if err != nil {
		return Topic{}, fmt.Errorf("topic: invalid base58: %w", err)
	}
	if len(decoded) != Size {
		return Topic{}, fmt.Errorf("topic: expected %d bytes, got %d", Size, len(decoded))
	}
	var t Topic
	copy(t[:], decoded)
	return t, nil
}
