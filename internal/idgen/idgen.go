// Package idgen mints session and command identifiers and validates the
// inputs that cross the façade boundary (spec §4.9, C9).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var sessionCounter atomic.Uint64

// NewSessionID mints a session ID of the form
// sess-<6-digit-counter>-<8-hex-random>-<8-hex-ms>-<4-hex-pid>.
// The counter makes IDs sortable by creation order within a process; the
// random bytes, wall-clock milliseconds, and PID give it cross-process
// uniqueness even if the counter wraps.
func NewSessionID() string {
	n := sessionCounter.Add(1)
	counter := n % 1_000_000

	var randBytes [4]byte
	_, _ = rand.Read(randBytes[:]) // crypto/rand.Read never errors on a fixed-size buffer

	ms := uint32(time.Now().UnixMilli())
	pid := uint16(os.Getpid())

	return fmt.Sprintf("sess-%06d-%s-%08x-%04x",
		counter,
		hex.EncodeToString(randBytes[:]),
		ms,
		pid,
	)
}

// NewCommandID mints a command ID. Any universally-unique printable string
// satisfies spec §4.9; a UUIDv4 is stable, printable, and cheap.
func NewCommandID() string {
	return uuid.NewString()
}

// ValidateID rejects null/empty/whitespace-only identifiers.
func ValidateID(id, label string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s must not be empty or whitespace", label)
	}
	return nil
}

// ValidatePath rejects null/empty/whitespace paths and, when mustExist is
// true, paths absent from the file system.
func ValidatePath(path, label string, mustExist bool) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s must not be empty or whitespace", label)
	}
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s %q is not accessible: %w", label, path, err)
		}
	}
	return nil
}
