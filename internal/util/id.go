package util

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a time-sortable identifier, optionally prefixed.
func NewID(prefix string) string {
	entropyMu.Lock()
	id := strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
	entropyMu.Unlock()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewRequestID() string {
	return NewID("req")
}
