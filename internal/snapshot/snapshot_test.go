package snapshot

import (
	"encoding/binary"
	"errors"
	"testing"
)

func buildSample(t *testing.T) *Snapshot {
	t.Helper()
	b := NewBuilder()
	if err := b.AddItem(9, 1, []int32{100, 200, -3}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if err := b.AddItem(11, 42, []int32{7}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if err := b.AddItem(4, 0, nil); err != nil {
		t.Fatalf("add empty item: %v", err)
	}
	return b.Finish()
}

func TestMarshalParseRoundTrip(t *testing.T) {
	snap := buildSample(t)
	raw := snap.Marshal()
	if len(raw) != snap.Size() {
		t.Fatalf("expected %d bytes, got %d", snap.Size(), len(raw))
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.NumItems() != 3 {
		t.Fatalf("expected 3 items, got %d", parsed.NumItems())
	}
	if !parsed.Equal(snap) || !snap.Equal(parsed) {
		t.Fatalf("parsed snapshot differs from source")
	}
	if parsed.Item(1).Type != 11 || parsed.Item(1).ID != 42 {
		t.Fatalf("item order not preserved: %+v", parsed.Item(1))
	}
	if data, ok := parsed.Find(9, 1); !ok || data[2] != -3 {
		t.Fatalf("find returned %v %v", data, ok)
	}
	if _, ok := parsed.Find(9, 2); ok {
		t.Fatalf("find matched a missing item")
	}
}

func TestCrcSumsPayloadWords(t *testing.T) {
	snap := buildSample(t)
	want := uint32(100 + 200 - 3 + 7)
	if snap.Crc() != want {
		t.Fatalf("expected crc %d, got %d", want, snap.Crc())
	}
	if Empty().Crc() != 0 || Empty().NumItems() != 0 {
		t.Fatalf("empty snapshot must have no items and zero crc")
	}
}

func TestEmptySnapshotSerializes(t *testing.T) {
	raw := Empty().Marshal()
	if len(raw) != 8 {
		t.Fatalf("expected 8 byte empty snapshot, got %d", len(raw))
	}
	if err := Validate(raw); err != nil {
		t.Fatalf("empty snapshot invalid: %v", err)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	raw := buildSample(t).Marshal()

	cases := map[string][]byte{
		"short":     raw[:4],
		"truncated": raw[:len(raw)-4],
		"unaligned": append(append([]byte(nil), raw...), 0),
	}
	declared := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(declared[0:], 4)
	cases["declared size mismatch"] = declared

	badOffset := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(badOffset[12:], 1<<20)
	cases["offset out of range"] = badOffset

	negative := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(negative[4:], 0xffffffff)
	cases["negative item count"] = negative

	for name, data := range cases {
		if _, err := Parse(data); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if err := Validate(make([]byte, MaxSize+4)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestBuilderLimits(t *testing.T) {
	b := NewBuilder()
	if _, err := b.NewItem(MaxType+1, 0, 1); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem for type, got %v", err)
	}
	if _, err := b.NewItem(1, MaxID+1, 1); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem for id, got %v", err)
	}
	if _, err := b.NewItem(1, 1, 1); err != nil {
		t.Fatalf("new item: %v", err)
	}
	if _, err := b.NewItem(1, 1, 1); !errors.Is(err, ErrDuplicateItem) {
		t.Fatalf("expected ErrDuplicateItem, got %v", err)
	}
	if _, err := b.NewItem(2, 0, MaxSize/4); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull for oversize item, got %v", err)
	}

	b.Reset()
	for i := 0; i < MaxItems; i++ {
		if _, err := b.NewItem(3, i, 0); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
	}
	if _, err := b.NewItem(3, MaxItems, 0); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull for item count, got %v", err)
	}
	if err := Validate(b.Finish().Marshal()); err != nil {
		t.Fatalf("full snapshot invalid: %v", err)
	}
}

func TestBuilderItemDataIsWritable(t *testing.T) {
	b := NewBuilder()
	data, _ := b.NewItem(5, 5, 2)
	data[0], data[1] = 10, 20
	got, ok := b.ItemData(MakeKey(5, 5))
	if !ok || got[1] != 20 {
		t.Fatalf("item data lookup returned %v %v", got, ok)
	}
	if KeyType(MakeKey(5, 7)) != 5 || KeyID(MakeKey(5, 7)) != 7 {
		t.Fatalf("key packing mismatch")
	}
}
