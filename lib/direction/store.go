// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package direction

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/skycal-project/skycal/lib/codec"
	"github.com/skycal-project/skycal/lib/fsutil"
)

// SchemaVersion is the registry file version this package writes and
// reads.
const SchemaVersion = 1

const envelopeFormat = "skycal.directions"

var (
	// ErrChecksum means the payload does not match its stored digest.
	ErrChecksum = errors.New("direction registry checksum mismatch")

	// ErrVersion means the file is not a registry this version of the
	// program can read.
	ErrVersion = errors.New("unsupported direction registry version")
)

type envelope struct {
	Format   string           `cbor:"1,keyasint"`
	Version  int              `cbor:"2,keyasint"`
	Cycle    int              `cbor:"3,keyasint"`
	Checksum []byte           `cbor:"4,keyasint"`
	Payload  codec.RawMessage `cbor:"5,keyasint"`
}

// Save writes the registry atomically to path.
func (r *Registry) Save(path string) error {
	payload, err := codec.Marshal(r.directions)
	if err != nil {
		return fmt.Errorf("encoding direction registry: %w", err)
	}
	digest := blake3.Sum256(payload)
	data, err := codec.Marshal(envelope{
		Format:   envelopeFormat,
		Version:  SchemaVersion,
		Cycle:    r.cycle,
		Checksum: digest[:],
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("encoding direction registry envelope: %w", err)
	}
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("saving direction registry: %w", err)
	}
	return nil
}

// Load reads a registry written by Save.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading direction registry: %w", err)
	}
	registry, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading direction registry %s: %w", path, err)
	}
	return registry, nil
}

func decode(data []byte) (*Registry, error) {
	var stored envelope
	if err := codec.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if stored.Format != envelopeFormat || stored.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: format %q version %d", ErrVersion, stored.Format, stored.Version)
	}
	digest := blake3.Sum256(stored.Payload)
	if !bytes.Equal(digest[:], stored.Checksum) {
		return nil, ErrChecksum
	}

	var directions []*Direction
	if err := codec.Unmarshal(stored.Payload, &directions); err != nil {
		return nil, fmt.Errorf("decoding directions: %w", err)
	}
	return NewRegistry(stored.Cycle, directions...)
}
