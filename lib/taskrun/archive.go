// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/skycal-project/skycal/lib/fsutil"
)

// ArchiveSuffix is appended to a log name when it is compressed.
const ArchiveSuffix = ".zst"

// Both are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	// Logs are written once and read rarely; trade CPU for ratio.
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	if err != nil {
		panic("taskrun: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("taskrun: zstd decoder initialization failed: " + err.Error())
	}
}

// ArchiveLogs compresses every *.log file in the log directory whose
// name matches the glob pattern (for example "*c00-*") into
// <name>.log.zst and removes the original. It returns the number of
// logs archived. The journal is never archived.
func (r *Runner) ArchiveLogs(pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(r.logDir, pattern))
	if err != nil {
		return 0, fmt.Errorf("taskrun: archive pattern %q: %w", pattern, err)
	}

	archived := 0
	for _, path := range matches {
		if !strings.HasSuffix(path, ".log") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return archived, fmt.Errorf("taskrun: reading %s: %w", path, err)
		}
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/4))
		if err := fsutil.WriteAtomic(path+ArchiveSuffix, compressed, 0o644); err != nil {
			return archived, fmt.Errorf("taskrun: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return archived, fmt.Errorf("taskrun: removing %s: %w", path, err)
		}
		archived++
	}
	r.logger.Info("logs archived", "pattern", pattern, "count", archived)
	return archived, nil
}

// ReadLog returns the content of a log, decompressing it if only the
// archived form exists. name is relative to the log directory and may
// omit the archive suffix.
func (r *Runner) ReadLog(name string) ([]byte, error) {
	return ReadLog(filepath.Join(r.logDir, name))
}

// ReadLog reads path, falling back to path+ArchiveSuffix.
func ReadLog(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if strings.HasSuffix(path, ArchiveSuffix) {
			return decompress(path, data)
		}
		return data, nil
	}
	if !os.IsNotExist(err) || strings.HasSuffix(path, ArchiveSuffix) {
		return nil, err
	}
	compressed, archiveErr := os.ReadFile(path + ArchiveSuffix)
	if archiveErr != nil {
		return nil, err
	}
	return decompress(path+ArchiveSuffix, compressed)
}

func decompress(path string, compressed []byte) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return data, nil
}
