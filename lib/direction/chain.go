// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package direction

import (
	"fmt"

	"github.com/skycal-project/skycal/lib/codec"
)

// Correction types, one chain each.
const (
	Phase      = "phase"
	Amplitude1 = "amplitude1"
	Amplitude2 = "amplitude2"
)

// CorrectionTypes lists the correction types in application order.
var CorrectionTypes = []string{Phase, Amplitude1, Amplitude2}

// Entry is one solution artifact produced in a self-calibration round.
type Entry struct {
	Round int    `json:"round" cbor:"1,keyasint"`
	Path  string `json:"path" cbor:"2,keyasint"`
}

// Chain is the append-only history of solution artifacts of one
// correction type. The zero value is an empty chain.
type Chain struct {
	entries []Entry
}

// Append adds the artifact produced in round. Appending the same
// entry as the last one again is a no-op so a replayed round stays
// idempotent. Rounds must not decrease, and a round already present
// cannot be given a different path.
func (c *Chain) Append(round int, path string) error {
	if path == "" {
		return fmt.Errorf("solution for round %d has no path", round)
	}
	if round < 0 {
		return fmt.Errorf("negative round %d", round)
	}
	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1]
		switch {
		case last.Round == round && last.Path == path:
			return nil
		case last.Round == round:
			return fmt.Errorf("round %d already has solution %s, refusing %s", round, last.Path, path)
		case round < last.Round:
			return fmt.Errorf("round %d precedes last round %d", round, last.Round)
		}
	}
	c.entries = append(c.entries, Entry{Round: round, Path: path})
	return nil
}

// Get returns the entry at index. Negative indices count from the
// end, so Get(-1) is the most recent artifact. ok is false when the
// index is out of range, including any index on an empty chain.
func (c *Chain) Get(index int) (entry Entry, ok bool) {
	if index < 0 {
		index += len(c.entries)
	}
	if index < 0 || index >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[index], true
}

// Truncate drops the artifacts of round and every later round.
func (c *Chain) Truncate(round int) {
	keep := 0
	for keep < len(c.entries) && c.entries[keep].Round < round {
		keep++
	}
	c.entries = c.entries[:keep]
}

// Len is the number of artifacts.
func (c *Chain) Len() int { return len(c.entries) }

// Entries returns a copy of the history, oldest first.
func (c *Chain) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

func (c Chain) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(c.entries)
}

// UnmarshalCBOR rebuilds the chain through Append so a stored chain
// that violates the ordering rules is rejected.
func (c *Chain) UnmarshalCBOR(data []byte) error {
	var entries []Entry
	if err := codec.Unmarshal(data, &entries); err != nil {
		return err
	}
	var rebuilt Chain
	for _, entry := range entries {
		if err := rebuilt.Append(entry.Round, entry.Path); err != nil {
			return fmt.Errorf("stored chain: %w", err)
		}
	}
	*c = rebuilt
	return nil
}
