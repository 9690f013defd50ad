package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

func sampleEvents() []Event {
	return []Event{
		AccountUpdate{
			Pubkey:       []byte{0x01, 0x02, 0x03},
			Owner:        []byte{0xAA},
			Lamports:     1_000_000,
			Data:         []byte("account-data"),
			WriteVersion: 42,
			Executable:   true,
		},
		TransactionNotify{
			Signature: []byte("sig"),
			Accounts:  [][]byte{{0x01}, {0x02, 0x03}},
			Success:   true,
			Data:      []byte{0xFF},
		},
		SlotStatus{Parent: 99, Status: SlotRooted},
		BackfillRequest{
			RequestID:  "01J0000000000000000000000",
			Categories: []Category{CategoryAccountUpdate, CategorySlotStatus},
			FromSlot:   12,
			ReplyQueue: "chainflow.mainnet.account_update.all.backfill",
		},
		BackfillComplete{RequestID: "r1", LastSlot: 500, Published: 1234},
	}
}

func TestEncodeDecodeEveryCategory(t *testing.T) {
	for _, ev := range sampleEvents() {
		t.Run(ev.Category().String(), func(t *testing.T) {
			env := Wrap([]byte("key"), 100, ev)
			decoded, err := Decode(Encode(env))
			require.NoError(t, err)

			assert.Equal(t, SchemaVersion, decoded.SchemaVersion)
			assert.Equal(t, ev.Category(), decoded.Category)
			assert.Equal(t, []byte("key"), decoded.PartitionKey)
			assert.Equal(t, uint64(100), decoded.Slot)

			got, err := decoded.Event()
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	for _, ev := range sampleEvents() {
		a := Encode(Wrap([]byte{9, 9}, 7, ev))
		b := Encode(Wrap([]byte{9, 9}, 7, ev))
		assert.True(t, bytes.Equal(a, b), "category %s", ev.Category())
	}
}

func TestEncodeLayout(t *testing.T) {
	env := Envelope{
		SchemaVersion: 1,
		Category:      CategorySlotStatus,
		PartitionKey:  []byte("ab"),
		Slot:          0x0102,
		Payload:       []byte{0x08, 0x01},
	}
	want := []byte{
		0x01, 0x03,
		0x02, 'a', 'b',
		0, 0, 0, 0, 0, 0, 0x01, 0x02,
		0x08, 0x01,
	}
	assert.Equal(t, want, Encode(env))
}

func TestDecodeEmptyKeyAndPayload(t *testing.T) {
	env := Wrap(nil, 0, SlotStatus{})
	decoded, err := Decode(Encode(env))
	require.NoError(t, err)
	assert.Empty(t, decoded.PartitionKey)
	assert.Empty(t, decoded.Payload)
}

func TestDecodeTruncated(t *testing.T) {
	full := Encode(Wrap([]byte("partition"), 5, AccountUpdate{Lamports: 1}))

	// Cutting inside the header, key or slot must report truncation.
	headerEnd := 2 + 1 + len("partition") + 8
	for cut := 0; cut < headerEnd; cut++ {
		_, err := Decode(full[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.ErrorIs(t, err, errspkg.ErrTruncated, "cut at %d", cut)
	}
}

func TestDecodeUnknownDiscriminant(t *testing.T) {
	data := Encode(Wrap([]byte("k"), 1, SlotStatus{Status: SlotConfirmed}))
	data[1] = 0x42

	_, err := Decode(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrUnknownDiscriminant)
	assert.ErrorIs(t, err, errspkg.ErrDecode)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data := Encode(Wrap([]byte("k"), 1, SlotStatus{}))

	data[0] = SchemaVersion + 1
	_, err := Decode(data)
	assert.ErrorIs(t, err, errspkg.ErrUnsupportedVersion)

	data[0] = 0
	_, err = Decode(data)
	assert.ErrorIs(t, err, errspkg.ErrUnsupportedVersion)
}

func TestDecodeMalformedPayload(t *testing.T) {
	env := Wrap([]byte("k"), 1, AccountUpdate{})
	env.Payload = []byte{0x0A, 0x05, 0x01}

	_, err := Decode(Encode(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)

	var decodeErr *errspkg.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, errspkg.DecodeMalformedPayload, decodeErr.Kind)
}

func TestDecodeRejectsWrongWireType(t *testing.T) {
	var payload []byte
	payload = protowire.AppendTag(payload, 3, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("not-a-varint"))

	env := Wrap([]byte("k"), 1, AccountUpdate{})
	env.Payload = payload

	_, err := Decode(Encode(env))
	assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)
}

func TestDecodeRejectsOversizedKey(t *testing.T) {
	var data []byte
	data = append(data, SchemaVersion, byte(CategoryAccountUpdate))
	data = protowire.AppendVarint(data, MaxPartitionKeyLen+1)

	_, err := Decode(data)
	assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	env := Wrap([]byte("k"), 1, SlotStatus{Parent: 3, Status: SlotProcessed})
	env.Payload = protowire.AppendTag(env.Payload, 15, protowire.BytesType)
	env.Payload = protowire.AppendBytes(env.Payload, []byte("from a newer producer"))
	env.Payload = protowire.AppendTag(env.Payload, 16, protowire.Fixed64Type)
	env.Payload = protowire.AppendFixed64(env.Payload, 7)

	decoded, err := Decode(Encode(env))
	require.NoError(t, err)

	ev, err := decoded.Event()
	require.NoError(t, err)
	assert.Equal(t, SlotStatus{Parent: 3, Status: SlotProcessed}, ev)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	data := Encode(Wrap([]byte("key"), 1, AccountUpdate{Data: []byte("x")}))
	decoded, err := Decode(data)
	require.NoError(t, err)

	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("key"), decoded.PartitionKey)
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	seed := Encode(Wrap([]byte("abc"), 77, TransactionNotify{Signature: []byte("s"), Accounts: [][]byte{{1}}}))
	for i := range seed {
		for _, b := range []byte{0x00, 0x7F, 0x80, 0xFF} {
			mutated := append([]byte(nil), seed...)
			mutated[i] = b
			assert.NotPanics(t, func() { _, _ = Decode(mutated) })
		}
	}
}

func TestKeyHex(t *testing.T) {
	env := Envelope{PartitionKey: []byte{0xDE, 0xAD}}
	assert.Equal(t, "dead", env.KeyHex())
}

func TestEventUnknownCategory(t *testing.T) {
	_, err := Envelope{Category: 0x42}.Event()
	assert.ErrorIs(t, err, errspkg.ErrUnknownDiscriminant)
}
