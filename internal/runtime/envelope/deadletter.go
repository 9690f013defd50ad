package envelope

import (
	"encoding/binary"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// MaxReasonLen caps the failure reason stored in a dead-letter body.
const MaxReasonLen = 64 << 10

// EncodeDeadLetter appends reason and its 4-byte big-endian length to body,
// so the original wire message stays byte-for-byte recoverable.
func EncodeDeadLetter(body []byte, reason string) []byte {
	if len(reason) > MaxReasonLen {
		reason = reason[:MaxReasonLen]
	}
	out := make([]byte, 0, len(body)+len(reason)+4)
	out = append(out, body...)
	out = append(out, reason...)
	return binary.BigEndian.AppendUint32(out, uint32(len(reason)))
}

// DecodeDeadLetter splits a dead-letter body into the original message and
// the failure reason.
func DecodeDeadLetter(data []byte) ([]byte, string, error) {
	if len(data) < 4 {
		return nil, "", errspkg.NewDecodeError(errspkg.DecodeTruncated, "dead-letter trailer needs 4 bytes, have %d", len(data))
	}
	trailer := len(data) - 4
	reasonLen := binary.BigEndian.Uint32(data[trailer:])
	if uint64(reasonLen) > uint64(trailer) {
		return nil, "", errspkg.NewDecodeError(errspkg.DecodeTruncated, "reason length %d exceeds body", reasonLen)
	}
	start := trailer - int(reasonLen)
	return cloneBytes(data[:start]), string(data[start:trailer]), nil
}
