package delta

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"snapsync/broker/internal/compression"
	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
)

type testItem struct {
	itemType, id int
	data         []int32
}

func build(t *testing.T, items ...testItem) *snapshot.Snapshot {
	t.Helper()
	b := snapshot.NewBuilder()
	for _, it := range items {
		if err := b.AddItem(it.itemType, it.id, it.data); err != nil {
			t.Fatalf("add item %d/%d: %v", it.itemType, it.id, err)
		}
	}
	return b.Finish()
}

func TestCreateDeltaScenarioChangedAndNewItem(t *testing.T) {
	codec := NewCodec()
	tick98 := build(t,
		testItem{1, 0, []int32{10, 20, 30}},
		testItem{2, 1, []int32{5, 5}},
	)
	tick100 := build(t,
		testItem{1, 0, []int32{10, 20, 30}},
		testItem{2, 1, []int32{5, 8}},
		testItem{3, 7, []int32{1, 2, 3, 4}},
	)

	got, err := codec.CreateDelta(Variant06, tick98, tick100)
	if err != nil {
		t.Fatalf("create delta: %v", err)
	}
	want := []int32{
		0, 2, 0,
		2, 1, 2, 0, 3, // changed item: numeric diff of the second field
		3, 7, 4, 1, 2, 3, 4, // new item: full payload
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected delta\n got %v\nwant %v", got, want)
	}

	//1.- Push the delta through both compression stages and back.
	packed := varint.AppendCompressed(nil, got)
	frame, err := compression.Default().Compress(nil, packed)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	unframed, err := compression.Decompress(nil, frame, snapshot.MaxSize)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	ints, err := varint.AppendDecompressed(nil, unframed, MaxWords)
	if err != nil {
		t.Fatalf("varint decompress: %v", err)
	}
	rebuilt, err := codec.UnpackDelta(Variant06, tick98, ints)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !reflect.DeepEqual(rebuilt.Marshal(), tick100.Marshal()) {
		t.Fatalf("rebuilt snapshot is not bit-identical to tick 100")
	}
}

func TestCreateDeltaIdenticalIsEmpty(t *testing.T) {
	codec := NewCodec()
	snap := build(t, testItem{1, 1, []int32{1, 2}}, testItem{4, 9, []int32{-5}})
	out, err := codec.CreateDelta(Variant06, snap, snap)
	if err != nil {
		t.Fatalf("create delta: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty delta, got %v", out)
	}
	if out, _ := codec.CreateDelta(Variant06, snapshot.Empty(), snapshot.Empty()); len(out) != 0 {
		t.Fatalf("empty vs empty produced %v", out)
	}
	same, err := codec.UnpackDelta(Variant06, snap, nil)
	if err != nil || !same.Equal(snap) {
		t.Fatalf("unpacking an empty delta must reproduce the base: %v", err)
	}
}

func TestCreateDeltaDeletesAndResizes(t *testing.T) {
	codec := NewCodec()
	base := build(t,
		testItem{1, 1, []int32{1}},
		testItem{1, 2, []int32{2}},
		testItem{5, 0, []int32{7, 7}},
	)
	target := build(t,
		testItem{5, 0, []int32{7, 7, 7}},
		testItem{1, 1, []int32{1}},
	)
	out, err := codec.CreateDelta(Variant06, base, target)
	if err != nil {
		t.Fatalf("create delta: %v", err)
	}
	deleted, updated := Summary(out)
	if deleted != 2 || updated != 1 {
		t.Fatalf("expected 2 deleted and 1 updated, got %d/%d (%v)", deleted, updated, out)
	}
	if out[3] != snapshot.MakeKey(1, 2) || out[4] != snapshot.MakeKey(5, 0) {
		t.Fatalf("deleted keys must follow base order: %v", out[3:5])
	}
	rebuilt, err := codec.UnpackDelta(Variant06, base, out)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !rebuilt.Equal(target) {
		t.Fatalf("rebuilt snapshot differs from target")
	}
}

func TestStaticSizesArePerVariant(t *testing.T) {
	codec := NewCodec()
	if err := codec.SetStaticSize(Variant07, 2, 2); err != nil {
		t.Fatalf("set static size: %v", err)
	}
	target := build(t, testItem{2, 3, []int32{4, 5}})

	six, _ := codec.CreateDelta(Variant06, nil, target)
	seven, _ := codec.CreateDelta(Variant07, nil, target)
	if len(six) != len(seven)+1 {
		t.Fatalf("static size should drop the size word: 0.6=%v 0.7=%v", six, seven)
	}
	rebuilt, err := codec.UnpackDelta(Variant07, nil, seven)
	if err != nil || !rebuilt.Equal(target) {
		t.Fatalf("0.7 round trip failed: %v", err)
	}

	wrong := build(t, testItem{2, 3, []int32{4}})
	if _, err := codec.CreateDelta(Variant07, nil, wrong); !errors.Is(err, ErrStaticSizeMismatch) {
		t.Fatalf("expected ErrStaticSizeMismatch, got %v", err)
	}
	if err := codec.SetStaticSize(Variant(9), 1, 1); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestCreateDeltaIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	codec := NewCodec()
	base := randomSnapshot(t, rng)
	target := mutate(t, rng, base)
	first, err := codec.CreateDelta(Variant06, base, target)
	if err != nil {
		t.Fatalf("create delta: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := codec.CreateDelta(Variant06, base, target)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("delta changed between runs")
		}
	}
}

func TestApplyCreateDeltaRestoresTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	codec := NewCodec()
	_ = codec.SetStaticSize(Variant06, 3, 3)
	for i := 0; i < 200; i++ {
		base := randomSnapshot(t, rng)
		target := mutate(t, rng, base)
		out, err := codec.CreateDelta(Variant06, base, target)
		if err != nil {
			t.Fatalf("iteration %d: create delta: %v", i, err)
		}
		rebuilt, err := codec.UnpackDelta(Variant06, base, out)
		if err != nil {
			t.Fatalf("iteration %d: unpack: %v", i, err)
		}
		if !rebuilt.Equal(target) {
			t.Fatalf("iteration %d: rebuilt snapshot differs", i)
		}
		if rebuilt.Crc() != target.Crc() {
			t.Fatalf("iteration %d: crc mismatch", i)
		}
	}
}

func TestUnpackDeltaRejectsMalformed(t *testing.T) {
	codec := NewCodec()
	cases := map[string][]int32{
		"short header":      {0, 1},
		"deleted overflow":  {5, 0, 0, 1},
		"record truncated":  {0, 1, 0, 1},
		"size truncated":    {0, 1, 0, 1, 1},
		"payload truncated": {0, 1, 0, 1, 1, 4, 1, 2},
	}
	for name, data := range cases {
		if _, err := codec.UnpackDelta(Variant06, nil, data); !errors.Is(err, ErrTruncated) {
			t.Fatalf("%s: expected ErrTruncated, got %v", name, err)
		}
	}
	if _, err := codec.UnpackDelta(Variant06, nil, []int32{0, 1, 0, -1, 0, 0}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("negative type: expected ErrInvalidRecord, got %v", err)
	}
	if _, err := codec.UnpackDelta(Variant06, nil, []int32{-1, 0, 0}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("negative count: expected ErrInvalidRecord, got %v", err)
	}
}

func TestUnpackTracksDataRate(t *testing.T) {
	codec := NewCodec()
	base := build(t, testItem{6, 1, []int32{0, 0}})
	target := build(t, testItem{6, 1, []int32{0, 100}}, testItem{7, 1, []int32{1}})
	out, _ := codec.CreateDelta(Variant06, base, target)
	if _, err := codec.UnpackDelta(Variant06, base, out); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if codec.DataUpdates(6) != 1 || codec.DataUpdates(7) != 1 {
		t.Fatalf("unexpected update counters %d/%d", codec.DataUpdates(6), codec.DataUpdates(7))
	}
	// One unchanged word costs a bit; 100 packs into two bytes.
	if codec.DataRate(6) != 1+16 {
		t.Fatalf("unexpected data rate for type 6: %d", codec.DataRate(6))
	}
	if codec.DataRate(7) != 32 {
		t.Fatalf("unexpected data rate for type 7: %d", codec.DataRate(7))
	}
}

func randomSnapshot(t *testing.T, rng *rand.Rand) *snapshot.Snapshot {
	t.Helper()
	b := snapshot.NewBuilder()
	n := rng.Intn(40)
	for i := 0; i < n; i++ {
		itemType := 1 + rng.Intn(6)
		words := 1 + rng.Intn(5)
		if itemType == 3 {
			words = 3
		}
		data := make([]int32, words)
		for w := range data {
			data[w] = int32(rng.Intn(2000) - 1000)
		}
		_ = b.AddItem(itemType, rng.Intn(16), data)
	}
	return b.Finish()
}

// mutate derives a plausible next tick: some items move, some vanish, some appear.
func mutate(t *testing.T, rng *rand.Rand, base *snapshot.Snapshot) *snapshot.Snapshot {
	t.Helper()
	b := snapshot.NewBuilder()
	for _, item := range base.Items() {
		if rng.Intn(8) == 0 {
			continue
		}
		data := append([]int32(nil), item.Data...)
		if rng.Intn(3) == 0 {
			data[rng.Intn(len(data))] += int32(rng.Intn(20) - 10)
		}
		if item.Type != 3 && rng.Intn(15) == 0 {
			data = append(data, 1)
		}
		_ = b.AddItem(item.Type, item.ID, data)
	}
	for i := rng.Intn(4); i > 0; i-- {
		_ = b.AddItem(7, rng.Intn(100), []int32{int32(rng.Intn(50))})
	}
	return b.Finish()
}
