// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package codec frames internal records for storage.
//
// A frame is msgpack with deterministic map-key ordering, compressed with
// zstd level 3 when the packed form exceeds 512 bytes. Compressed frames
// carry the 5-byte magic "ZSTD:"; smaller frames are stored raw, since
// zstd overhead is not worth it for tiny payloads.
//
// Records embed a Schema tag (model.Schema*); decode verifies it so a frame
// written as one record type cannot be silently read back as another.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The zstd encoder and decoder
// are package-level and stateless per operation (EncodeAll/DecodeAll).
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// compressThreshold is the packed size above which frames are
	// zstd-compressed.
	compressThreshold = 512

	// magic prefixes every compressed frame.
	magic = "ZSTD:"
)

var (
	// ErrCorruptFrame reports a frame that cannot be decoded: truncated
	// magic, invalid zstd stream, or invalid msgpack.
	ErrCorruptFrame = errors.New("codec: corrupt frame")

	// ErrSchemaMismatch reports a decoded record whose schema tag does not
	// match the expected record type.
	ErrSchemaMismatch = errors.New("codec: schema mismatch")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// Level 3 == zstd.SpeedDefault. EncodeAll/DecodeAll with nil
	// destination are goroutine-safe.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

// Encode serializes a record into a storage frame.
//
// Identical logical records always produce identical bytes: struct fields
// encode in declaration order and any map values encode with sorted keys.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}

	packed := buf.Bytes()
	if len(packed) <= compressThreshold {
		out := make([]byte, len(packed))
		copy(out, packed)
		return out, nil
	}

	out := make([]byte, len(magic), len(magic)+len(packed)/2)
	copy(out, magic)
	return zstdEncoder.EncodeAll(packed, out), nil
}

// Decode reverses Encode into v, which must be a pointer to the record
// type the frame was written as.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrCorruptFrame)
	}

	packed := data
	if bytes.HasPrefix(data, []byte(magic)) {
		var err error
		packed, err = zstdDecoder.DecodeAll(data[len(magic):], nil)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrCorruptFrame, err)
		}
	}

	if err := msgpack.Unmarshal(packed, v); err != nil {
		return fmt.Errorf("%w: msgpack: %v", ErrCorruptFrame, err)
	}
	return nil
}

// CheckSchema verifies a decoded record's schema tag. Callers pass the
// Schema field of the struct they just decoded into.
func CheckSchema(got, want uint8) error {
	if got != want {
		return fmt.Errorf("%w: got schema %d, want %d", ErrSchemaMismatch, got, want)
	}
	return nil
}
