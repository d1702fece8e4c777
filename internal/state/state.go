// Package state persists per-session environment snapshots between
// submissions. A snapshot is an opaque serialized payload produced
// inside the guest interpreter; this package never inspects it, it only
// wraps it in a versioned envelope and stores it durably.
package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Load when no snapshot exists for the
	// session. Callers treat this as a fresh, empty environment.
	ErrNotFound = errors.New("state: snapshot not found")
	// ErrCorrupt is returned when a stored snapshot fails envelope
	// validation. Callers must fail closed: start from an empty
	// environment and surface a warning, never guess at the payload.
	ErrCorrupt = errors.New("state: snapshot corrupt")
)

// envelope layout: magic (4) | version (1) | backend length (1) |
// backend name | payload length (4, big endian) | payload.
var envelopeMagic = []byte("RBX1")

const envelopeVersion = 1

// Snapshot is one stored environment snapshot.
type Snapshot struct {
	SessionID string
	// Backend names the backend kind that produced the snapshot.
	// Serialized environments are not portable across backends, so
	// restore paths gate on this and start empty on a mismatch.
	Backend   string
	Data      []byte
	UpdatedAt time.Time
}

// Store saves and retrieves snapshots keyed by session ID.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// EncodeEnvelope wraps the snapshot payload in the versioned envelope.
func EncodeEnvelope(backend string, payload []byte) ([]byte, error) {
	if len(backend) > 255 {
		return nil, fmt.Errorf("state: backend name too long")
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(envelopeMagic)+2+len(backend)+4+len(payload)))
	buf.Write(envelopeMagic)
	buf.WriteByte(envelopeVersion)
	buf.WriteByte(byte(len(backend)))
	buf.WriteString(backend)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	buf.Write(n[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEnvelope validates the envelope and returns the backend name
// and payload. Any structural mismatch, including an unknown version,
// yields ErrCorrupt.
func DecodeEnvelope(data []byte) (backend string, payload []byte, err error) {
	if len(data) < len(envelopeMagic)+2 || !bytes.Equal(data[:len(envelopeMagic)], envelopeMagic) {
		return "", nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	rest := data[len(envelopeMagic):]
	if rest[0] != envelopeVersion {
		return "", nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupt, rest[0])
	}
	nameLen := int(rest[1])
	rest = rest[2:]
	if len(rest) < nameLen+4 {
		return "", nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	backend = string(rest[:nameLen])
	rest = rest[nameLen:]
	payloadLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) != payloadLen {
		return "", nil, fmt.Errorf("%w: payload length mismatch (header %d, actual %d)", ErrCorrupt, payloadLen, len(rest))
	}
	return backend, rest, nil
}
