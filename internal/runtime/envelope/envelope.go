// Package envelope implements the versioned binary wire format chainflow uses
// for every broker message:
//
//	[schemaVersion u8][categoryTag u8][keyLen uvarint][key][slot u64 BE][payload]
//
// Payloads are protobuf wire fields. Decoding never panics; every failure is
// an *errors.DecodeError.
package envelope

import (
	"encoding/binary"
	"encoding/hex"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// SchemaVersion is the newest envelope version this build can read and the
// version it writes.
const SchemaVersion uint8 = 1

// MaxPartitionKeyLen bounds the key length accepted on decode.
const MaxPartitionKeyLen = 1 << 10

// Envelope is one tagged event together with its idempotence identity.
type Envelope struct {
	SchemaVersion uint8
	Category      Category
	PartitionKey  []byte
	Slot          uint64
	Payload       []byte
}

// Wrap builds an envelope for ev at the current schema version.
func Wrap(key []byte, slot uint64, ev Event) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		Category:      ev.Category(),
		PartitionKey:  key,
		Slot:          slot,
		Payload:       ev.appendPayload(nil),
	}
}

// KeyHex returns the partition key as lowercase hex.
func (e Envelope) KeyHex() string {
	return hex.EncodeToString(e.PartitionKey)
}

// Event decodes the payload into its typed event.
func (e Envelope) Event() (Event, error) {
	if !e.Category.Known() {
		return nil, errspkg.NewDecodeError(errspkg.DecodeUnknownDiscriminant, "tag %d", uint8(e.Category))
	}
	return decodeEvent(e.Category, e.Payload)
}

// Encode serialises the envelope. It is total and deterministic.
func Encode(e Envelope) []byte {
	size := 2 + protowire.SizeVarint(uint64(len(e.PartitionKey))) + len(e.PartitionKey) + 8 + len(e.Payload)
	b := make([]byte, 0, size)
	b = append(b, e.SchemaVersion, byte(e.Category))
	b = protowire.AppendVarint(b, uint64(len(e.PartitionKey)))
	b = append(b, e.PartitionKey...)
	b = binary.BigEndian.AppendUint64(b, e.Slot)
	b = append(b, e.Payload...)
	return b
}

// Decode parses a wire message and validates its payload against the
// category. The returned envelope does not alias data.
func Decode(data []byte) (Envelope, error) {
	if len(data) < 2 {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeTruncated, "header needs 2 bytes, have %d", len(data))
	}

	version := data[0]
	if version == 0 || version > SchemaVersion {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeUnsupportedVersion, "schema version %d, supported up to %d", version, SchemaVersion)
	}

	category := Category(data[1])
	if !category.Known() {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeUnknownDiscriminant, "tag %d", data[1])
	}

	rest := data[2:]
	keyLen, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeTruncated, "partition key length: %v", protowire.ParseError(n))
	}
	rest = rest[n:]
	if keyLen > MaxPartitionKeyLen {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeMalformedPayload, "partition key length %d exceeds %d", keyLen, MaxPartitionKeyLen)
	}
	if uint64(len(rest)) < keyLen+8 {
		return Envelope{}, errspkg.NewDecodeError(errspkg.DecodeTruncated, "need %d bytes for key and slot, have %d", keyLen+8, len(rest))
	}

	env := Envelope{
		SchemaVersion: version,
		Category:      category,
		PartitionKey:  cloneBytes(rest[:keyLen]),
		Slot:          binary.BigEndian.Uint64(rest[keyLen : keyLen+8]),
		Payload:       cloneBytes(rest[keyLen+8:]),
	}
	if _, err := decodeEvent(category, env.Payload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
