// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package idgen mints opaque, lexicographically sortable identifiers and
// supplies the wall clock used to stamp them. Both are exposed behind a
// swappable Source so tests can run with a deterministic clock and a
// reproducible entropy stream.
package idgen

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixRun      Prefix = "run"
	PrefixStep     Prefix = "stp"
	PrefixWorkflow Prefix = "wfr"
	PrefixTenant   Prefix = "ten"
	PrefixAgent    Prefix = "agt"
	PrefixPolicy   Prefix = "pol"
)

// idPattern matches "<prefix>_" followed by a 26-char Crockford base32 ULID body.
var idPattern = regexp.MustCompile(`^[a-z]+_[0-9A-HJKMNP-TV-Z]{26}$`)

// Valid reports whether id matches the opaque ID grammar from the data model
// (prefix_<26-char ULID>), regardless of prefix.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}

// Clock supplies the current time. Production code uses SystemClock; tests
// inject a fixed or stepped clock for deterministic assertions.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real wall clock truncated to millisecond
// resolution, matching the precision the data model requires of timestamps.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FixedClock always returns the same instant. Useful for golden-output tests.
type FixedClock struct {
	At time.Time
}

// Now implements Clock.
func (f FixedClock) Now() time.Time {
	return f.At
}

// Source mints IDs and reads the clock. It is safe for concurrent use.
type Source struct {
	mu    sync.Mutex
	clock Clock
	rng   io.Reader
}

// NewSource builds a Source. A nil clock defaults to SystemClock; a nil rng
// defaults to crypto/rand.
func NewSource(clock Clock, rng io.Reader) *Source {
	if clock == nil {
		clock = SystemClock{}
	}
	if rng == nil {
		rng = rand.Reader
	}
	return &Source{clock: clock, rng: rng}
}

// Default is the process-wide, real-clock ID source used outside of tests.
var Default = NewSource(nil, nil)

// New mints a new opaque ID with the given prefix.
func (s *Source) New(prefix Prefix) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := ulid.Timestamp(s.clock.Now())
	id, err := ulid.New(ms, s.rng)
	if err != nil {
		// Entropy source failures are not recoverable; a monotonic reader
		// backed by crypto/rand should never fail in practice.
		panic(fmt.Sprintf("idgen: failed to mint id: %v", err))
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// Now returns the current time from the underlying clock.
func (s *Source) Now() time.Time {
	return s.clock.Now()
}

// New mints an ID from the default, real-clock source.
func New(prefix Prefix) string {
	return Default.New(prefix)
}

// Now returns the current time from the default source.
func Now() time.Time {
	return Default.Now()
}
