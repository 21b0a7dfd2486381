package domain

import (
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a ULID for tagging one validation run.
func NewRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Suffix returns a short lowercase tag for disposable test entities
// (usernames, guild names, probe event IDs) so reruns never collide.
func Suffix(n int) string {
	s := strings.ToLower(NewRunID())
	if n > 0 && n < len(s) {
		return s[len(s)-n:]
	}
	return s
}
