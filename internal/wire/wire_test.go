package wire

import (
	"bytes"
	"errors"
	"testing"

	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/varint"
)

func TestEmptyResultIsOneShortMessage(t *testing.T) {
	packets := Messages(pipeline.Result{Tick: 100, DeltaTick: 98, Empty: true})
	if len(packets) != 1 {
		t.Fatalf("expected one packet, got %d", len(packets))
	}
	msg, err := Decode(packets[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID != MsgSnapEmpty || msg.Tick != 100 || msg.DeltaTick != 98 || msg.Data != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	// header, tick (two bytes), offset
	if len(packets[0]) != 4 {
		t.Fatalf("expected a 4 byte packet, got %d", len(packets[0]))
	}
}

func TestNoBaselineRoundTrips(t *testing.T) {
	packets := Messages(pipeline.Result{Tick: 5, DeltaTick: pipeline.NoTick, Empty: true})
	msg, err := Decode(packets[0])
	if err != nil || msg.DeltaTick != pipeline.NoTick {
		t.Fatalf("expected NoTick baseline, got %+v %v", msg, err)
	}
}

func TestSingleAndMultiPartMessages(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab, 0x01, 0x7f}, 10)
	single := pipeline.Result{
		Tick: 40, DeltaTick: 38, Crc: 0xfffffff0, Payload: payload,
		Slices: []pipeline.Slice{{Offset: 0, Length: len(payload)}},
	}
	packets := Messages(single)
	msg, err := Decode(packets[0])
	if err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if msg.ID != MsgSnapSingle || msg.Crc != 0xfffffff0 || !bytes.Equal(msg.Data, payload) || msg.NumParts != 1 {
		t.Fatalf("unexpected single message %+v", msg)
	}

	multi := single
	multi.Slices = []pipeline.Slice{{Offset: 0, Length: 12}, {Offset: 12, Length: 12}, {Offset: 24, Length: 6}}
	packets = Messages(multi)
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}
	var joined []byte
	for i, packet := range packets {
		msg, err := Decode(packet)
		if err != nil {
			t.Fatalf("decode part %d: %v", i, err)
		}
		if msg.ID != MsgSnap || msg.Part != i || msg.NumParts != 3 || msg.DeltaTick != 38 {
			t.Fatalf("unexpected part %+v", msg)
		}
		joined = append(joined, msg.Data...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("parts do not rebuild the payload")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := Messages(pipeline.Result{
		Tick: 3, DeltaTick: 1, Payload: []byte{1, 2, 3, 4},
		Slices: []pipeline.Slice{{Offset: 0, Length: 2}, {Offset: 2, Length: 2}},
	})[0]

	cases := map[string][]byte{
		"empty":        nil,
		"truncated":    good[:len(good)-1],
		"unterminated": {0x80},
	}
	for name, packet := range cases {
		if _, err := Decode(packet); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}

	badPart := varint.AppendCompressed(nil, []int32{MsgSnap<<1 | 1, 3, 2, 2, 5, 0, 0})
	if _, err := Decode(badPart); !errors.Is(err, ErrMalformed) {
		t.Fatalf("part beyond count: expected ErrMalformed, got %v", err)
	}
	game := varint.AppendCompressed(nil, []int32{MsgSnap << 1, 1})
	if _, err := Decode(game); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("non-system message: expected ErrUnknownMessage, got %v", err)
	}
	other := varint.AppendCompressed(nil, []int32{20<<1 | 1})
	if _, err := Decode(other); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown id: expected ErrUnknownMessage, got %v", err)
	}
}
