// Package ids defines the validated opaque identifier types shared by
// the registries, the session handshakes, and the wire protocol:
// TunnelId, AuthKey, and DeviceId.
package ids

import (
	"crypto/subtle"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxTunnelIDBytes is the maximum length of a TunnelId, per spec.
const MaxTunnelIDBytes = 64

// MinAuthKeyLen is the minimum length of any AuthKey (registration or
// tunnel).
const MinAuthKeyLen = 16

// MinRegistrationKeyLen is the minimum length required of the
// process-wide registration key specifically.
const MinRegistrationKeyLen = 32

// MaxAuthKeyBytes bounds AuthKey length so that SecureEqual's fixed
// comparison buffer (maxAuthKeyCompareLen) can never truncate a
// genuine difference between two keys.
const MaxAuthKeyBytes = 256

var (
	ErrEmpty          = errors.New("ids: value is empty")
	ErrTooLong         = errors.New("ids: value exceeds maximum length")
	ErrTooShort        = errors.New("ids: value is shorter than the minimum length")
	ErrNotPrintable    = errors.New("ids: value is not printable UTF-8")
	ErrNotUTF8         = errors.New("ids: value is not valid UTF-8")
)

// TunnelId is a server-generated opaque identifier binding a
// workstation to its clients. Two TunnelIds compare by byte equality.
type TunnelId string

// NewTunnelId generates a fresh TunnelId. The server never derives it
// from client input.
func NewTunnelId() TunnelId {
	return TunnelId(uuid.NewString())
}

// Validate reports whether t is a well-formed TunnelId: non-empty
// after trimming, and no longer than MaxTunnelIDBytes.
func (t TunnelId) Validate() error {
	trimmed := strings.TrimSpace(string(t))
	if trimmed == "" {
		return ErrEmpty
	}
	if len(trimmed) > MaxTunnelIDBytes {
		return ErrTooLong
	}
	if !utf8.ValidString(trimmed) {
		return ErrNotUTF8
	}
	return nil
}

// Equal compares two TunnelIds by byte equality.
func (t TunnelId) Equal(other TunnelId) bool {
	return t == other
}

func (t TunnelId) String() string { return string(t) }

// DeviceId is a client-chosen identifier, unique within the
// ClientRegistry. A new connection with the same DeviceId evicts the
// older one.
type DeviceId string

// Validate reports whether d is non-empty valid UTF-8.
func (d DeviceId) Validate() error {
	if d == "" {
		return ErrEmpty
	}
	if !utf8.ValidString(string(d)) {
		return ErrNotUTF8
	}
	return nil
}

func (d DeviceId) String() string { return string(d) }

// AuthKey is a printable secret string: either the process-wide
// registration key or a per-workstation tunnel auth key. All equality
// checks between AuthKeys use SecureEqual, never ==.
type AuthKey string

// maxAuthKeyCompareLen bounds the constant-time comparison buffer.
// Any AuthKey used in practice is far shorter than this; it exists so
// that SecureEqual's running time depends only on this constant, not
// on either operand's length.
const maxAuthKeyCompareLen = 256

// Validate reports whether k is a printable string of at least min
// bytes. Non-printable runes (control characters) are rejected so
// that keys round-trip safely through text-based configuration.
func (k AuthKey) Validate(min int) error {
	s := string(k)
	if s == "" {
		return ErrEmpty
	}
	if len(s) < min {
		return ErrTooShort
	}
	if len(s) > MaxAuthKeyBytes {
		return ErrTooLong
	}
	if !utf8.ValidString(s) {
		return ErrNotUTF8
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return ErrNotPrintable
		}
	}
	return nil
}

// SecureEqual reports whether a and b hold the same bytes, in time
// that does not depend on the length or content of either operand
// (bounded by maxAuthKeyCompareLen). Keys longer than that bound are
// rejected by Validate long before comparison, so the bound is never
// hit in practice; it exists purely to keep this function's own
// contract independent of caller input.
func (a AuthKey) SecureEqual(b AuthKey) bool {
	bufA := make([]byte, maxAuthKeyCompareLen)
	bufB := make([]byte, maxAuthKeyCompareLen)
	copy(bufA, a)
	copy(bufB, b)

	contentEqual := subtle.ConstantTimeCompare(bufA, bufB) == 1
	lengthEqual := subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1

	return contentEqual && lengthEqual
}

func (k AuthKey) String() string { return string(k) }
