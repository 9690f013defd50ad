package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Event is the closed set of payloads an envelope can carry.
type Event interface {
	Category() Category
	appendPayload(b []byte) []byte
}

// AccountUpdate is the latest state of one account at a slot.
type AccountUpdate struct {
	Pubkey       []byte
	Owner        []byte
	Lamports     uint64
	Data         []byte
	WriteVersion uint64
	Executable   bool
}

// TransactionNotify announces a transaction that touched tracked accounts.
type TransactionNotify struct {
	Signature []byte
	Accounts  [][]byte
	Success   bool
	Data      []byte
}

// SlotState is the commitment level reported for a slot.
type SlotState uint8

const (
	SlotProcessed SlotState = iota + 1
	SlotConfirmed
	SlotRooted
)

func (s SlotState) String() string {
	switch s {
	case SlotProcessed:
		return "processed"
	case SlotConfirmed:
		return "confirmed"
	case SlotRooted:
		return "rooted"
	default:
		return fmt.Sprintf("slot_state(%d)", uint8(s))
	}
}

// SlotStatus reports a commitment change for the envelope's slot.
type SlotStatus struct {
	Parent uint64
	Status SlotState
}

// BackfillRequest asks the chain source to replay history starting at
// FromSlot. A zero FromSlot means from genesis.
type BackfillRequest struct {
	RequestID  string
	Categories []Category
	FromSlot   uint64
	ReplyQueue string
}

// BackfillComplete marks the end of a historical replay.
type BackfillComplete struct {
	RequestID string
	LastSlot  uint64
	Published uint64
}

func (AccountUpdate) Category() Category     { return CategoryAccountUpdate }
func (TransactionNotify) Category() Category { return CategoryTransactionNotify }
func (SlotStatus) Category() Category        { return CategorySlotStatus }
func (BackfillRequest) Category() Category   { return CategoryBackfillRequest }
func (BackfillComplete) Category() Category  { return CategoryBackfillComplete }

// Fields are written in ascending field-number order so encoding is
// deterministic. Zero values are omitted.

func (e AccountUpdate) appendPayload(b []byte) []byte {
	b = appendBytesField(b, 1, e.Pubkey)
	b = appendBytesField(b, 2, e.Owner)
	b = appendVarintField(b, 3, e.Lamports)
	b = appendBytesField(b, 4, e.Data)
	b = appendVarintField(b, 5, e.WriteVersion)
	b = appendBoolField(b, 6, e.Executable)
	return b
}

func (e TransactionNotify) appendPayload(b []byte) []byte {
	b = appendBytesField(b, 1, e.Signature)
	for _, acct := range e.Accounts {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, acct)
	}
	b = appendBoolField(b, 3, e.Success)
	b = appendBytesField(b, 4, e.Data)
	return b
}

func (e SlotStatus) appendPayload(b []byte) []byte {
	b = appendVarintField(b, 1, e.Parent)
	b = appendVarintField(b, 2, uint64(e.Status))
	return b
}

func (e BackfillRequest) appendPayload(b []byte) []byte {
	b = appendBytesField(b, 1, []byte(e.RequestID))
	for _, c := range e.Categories {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c))
	}
	b = appendVarintField(b, 3, e.FromSlot)
	b = appendBytesField(b, 4, []byte(e.ReplyQueue))
	return b
}

func (e BackfillComplete) appendPayload(b []byte) []byte {
	b = appendBytesField(b, 1, []byte(e.RequestID))
	b = appendVarintField(b, 2, e.LastSlot)
	b = appendVarintField(b, 3, e.Published)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

// fieldFunc receives every varint and bytes field. Unknown field numbers are
// ignored by the callbacks so newer producers can add fields.
type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

func walkFields(payload []byte, fn fieldFunc) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		payload = payload[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(payload)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(payload)
		default:
			n = protowire.ConsumeFieldValue(num, typ, payload)
		}
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}

		if typ == protowire.VarintType || typ == protowire.BytesType {
			if err := fn(num, typ, v, raw); err != nil {
				return err
			}
		}
		payload = payload[n:]
	}
	return nil
}

func malformed(err error) error {
	return &errspkg.DecodeError{Kind: errspkg.DecodeMalformedPayload, Err: err}
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return errspkg.NewDecodeError(errspkg.DecodeMalformedPayload, "field %d has wire type %d", num, typ)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func decodeEvent(c Category, payload []byte) (Event, error) {
	switch c {
	case CategoryAccountUpdate:
		var ev AccountUpdate
		err := walkFields(payload, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
			switch {
			case num == 1 && typ == protowire.BytesType:
				ev.Pubkey = cloneBytes(raw)
			case num == 2 && typ == protowire.BytesType:
				ev.Owner = cloneBytes(raw)
			case num == 3 && typ == protowire.VarintType:
				ev.Lamports = v
			case num == 4 && typ == protowire.BytesType:
				ev.Data = cloneBytes(raw)
			case num == 5 && typ == protowire.VarintType:
				ev.WriteVersion = v
			case num == 6 && typ == protowire.VarintType:
				ev.Executable = protowire.DecodeBool(v)
			case num <= 6:
				return wrongType(num, typ)
			default:
				return nil
			}
			return nil
		})
		return ev, err
	case CategoryTransactionNotify:
		var ev TransactionNotify
		err := walkFields(payload, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
			switch {
			case num == 1 && typ == protowire.BytesType:
				ev.Signature = cloneBytes(raw)
			case num == 2 && typ == protowire.BytesType:
				ev.Accounts = append(ev.Accounts, append([]byte(nil), raw...))
			case num == 3 && typ == protowire.VarintType:
				ev.Success = protowire.DecodeBool(v)
			case num == 4 && typ == protowire.BytesType:
				ev.Data = cloneBytes(raw)
			case num <= 4:
				return wrongType(num, typ)
			default:
				return nil
			}
			return nil
		})
		return ev, err
	case CategorySlotStatus:
		var ev SlotStatus
		err := walkFields(payload, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
			switch {
			case num == 1 && typ == protowire.VarintType:
				ev.Parent = v
			case num == 2 && typ == protowire.VarintType:
				if v > 0xFF {
					return errspkg.NewDecodeError(errspkg.DecodeMalformedPayload, "slot status %d out of range", v)
				}
				ev.Status = SlotState(v)
			case num <= 2:
				return wrongType(num, typ)
			default:
				return nil
			}
			return nil
		})
		return ev, err
	case CategoryBackfillRequest:
		var ev BackfillRequest
		err := walkFields(payload, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
			switch {
			case num == 1 && typ == protowire.BytesType:
				ev.RequestID = string(raw)
			case num == 2 && typ == protowire.VarintType:
				if v > 0xFF {
					return errspkg.NewDecodeError(errspkg.DecodeMalformedPayload, "category %d out of range", v)
				}
				ev.Categories = append(ev.Categories, Category(v))
			case num == 3 && typ == protowire.VarintType:
				ev.FromSlot = v
			case num == 4 && typ == protowire.BytesType:
				ev.ReplyQueue = string(raw)
			case num <= 4:
				return wrongType(num, typ)
			default:
				return nil
			}
			return nil
		})
		return ev, err
	case CategoryBackfillComplete:
		var ev BackfillComplete
		err := walkFields(payload, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
			switch {
			case num == 1 && typ == protowire.BytesType:
				ev.RequestID = string(raw)
			case num == 2 && typ == protowire.VarintType:
				ev.LastSlot = v
			case num == 3 && typ == protowire.VarintType:
				ev.Published = v
			case num <= 3:
				return wrongType(num, typ)
			default:
				return nil
			}
			return nil
		})
		return ev, err
	default:
		return nil, errspkg.NewDecodeError(errspkg.DecodeUnknownDiscriminant, "tag %d", uint8(c))
	}
}
