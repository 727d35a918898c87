package qpack

import "errors"

// ErrInvalidIndex is returned when a field line or instruction references
// a static or dynamic table index that doesn't exist.
var ErrInvalidIndex = errors.New("qpack: invalid table index")

// ErrBlocked is returned by Decoder.DecodeFieldSection when the section's
// Required Insert Count hasn't been satisfied yet and the stream would
// need to join the blocked-streams queue, but doing so would exceed the
// configured limit.
var ErrBlocked = errors.New("qpack: field section blocked on dynamic table update")

// ErrDecompressionFailed is the app-level connection error raised when a
// field section can never be decoded (RFC 9204 §6 QPACK_DECOMPRESSION_
// FAILED), e.g. it references an index the dynamic table will never
// reach because it has already been evicted.
var ErrDecompressionFailed = errors.New("qpack: decompression failed")
