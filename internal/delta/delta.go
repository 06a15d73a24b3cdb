// Package delta computes and applies the integer-array difference between two
// snapshots.
//
// A delta is laid out as
//
//	numDeleted numUpdated numTemp deletedKey... record...
//
// where each record is "type id [words] payload...". The word count is omitted
// for item types that have a static size in the active protocol variant. A
// record for an item the baseline already holds carries the per-word arithmetic
// difference; a record for a new item carries the raw payload.
package delta

import (
	"errors"
	"fmt"
	"sync/atomic"

	"snapsync/broker/internal/snapshot"
	"snapsync/broker/internal/varint"
)

const (
	// MaxNetObjSizes bounds the item types that may carry a static size.
	MaxNetObjSizes = 64
	// HeaderWords is the length of the delta header.
	HeaderWords = 3
	// MaxWords bounds the delta of two maximum-size snapshots.
	MaxWords = snapshot.MaxSize / 4 * 2
)

// Variant selects a protocol flavour; each variant has its own static-size table.
type Variant int

const (
	Variant06 Variant = iota
	Variant07
	numVariants
)

// String names the variant as it appears in configuration.
func (v Variant) String() string {
	switch v {
	case Variant06:
		return "0.6"
	case Variant07:
		return "0.7"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps a configuration name to a Variant.
func ParseVariant(raw string) (Variant, error) {
	switch raw {
	case "0.6", "06", "six":
		return Variant06, nil
	case "0.7", "07", "seven", "sixup":
		return Variant07, nil
	default:
		return 0, fmt.Errorf("unknown protocol variant %q", raw)
	}
}

var (
	// ErrStaticSizeMismatch reports an item whose size disagrees with its static size.
	ErrStaticSizeMismatch = errors.New("delta: item size differs from static size")
	// ErrTruncated reports a delta that ends inside a record.
	ErrTruncated = errors.New("delta: truncated data")
	// ErrInvalidRecord reports a record with an out-of-range type, id or size.
	ErrInvalidRecord = errors.New("delta: invalid record")
	// ErrUnknownVariant reports a variant without a static-size table.
	ErrUnknownVariant = errors.New("delta: unknown protocol variant")
)

// Codec holds the per-variant static-size tables and receive-side statistics.
// Static sizes are configuration and must be set before concurrent use.
type Codec struct {
	staticSizes [numVariants][MaxNetObjSizes]int
	dataRate    [snapshot.MaxType + 1]atomic.Uint64
	dataUpdates [snapshot.MaxType + 1]atomic.Uint64
}

// NewCodec returns a codec where every item type carries its size explicitly.
func NewCodec() *Codec {
	return &Codec{}
}

// SetStaticSize fixes the payload size in words for an item type in a variant.
// A size of zero restores explicit sizing. Types at or above MaxNetObjSizes
// always carry their size.
func (c *Codec) SetStaticSize(variant Variant, itemType, words int) error {
	if variant < 0 || variant >= numVariants {
		return fmt.Errorf("%w: %d", ErrUnknownVariant, int(variant))
	}
	if itemType < 0 || itemType >= MaxNetObjSizes || words < 0 {
		return nil
	}
	c.staticSizes[variant][itemType] = words
	return nil
}

// StaticSize returns the static size of an item type, or zero when the size is explicit.
func (c *Codec) StaticSize(variant Variant, itemType int) int {
	if variant < 0 || variant >= numVariants || itemType < 0 || itemType >= MaxNetObjSizes {
		return 0
	}
	return c.staticSizes[variant][itemType]
}

// DataRate returns the bits received for an item type through UnpackDelta.
func (c *Codec) DataRate(itemType int) uint64 {
	if itemType < 0 || itemType > snapshot.MaxType {
		return 0
	}
	return c.dataRate[itemType].Load()
}

// DataUpdates returns how many records of an item type UnpackDelta applied.
func (c *Codec) DataUpdates(itemType int) uint64 {
	if itemType < 0 || itemType > snapshot.MaxType {
		return 0
	}
	return c.dataUpdates[itemType].Load()
}

// CreateDelta describes how target differs from base. It returns a zero-length
// slice when the two snapshots hold identical items. The output order derives
// only from the order of base (deletions) and target (records).
func (c *Codec) CreateDelta(variant Variant, base, target *snapshot.Snapshot) ([]int32, error) {
	return c.AppendDelta(nil, variant, base, target)
}

// AppendDelta is CreateDelta appending to dst so callers can reuse a buffer.
// On a zero-length delta dst is returned unchanged.
func (c *Codec) AppendDelta(dst []int32, variant Variant, base, target *snapshot.Snapshot) ([]int32, error) {
	if variant < 0 || variant >= numVariants {
		return dst, fmt.Errorf("%w: %d", ErrUnknownVariant, int(variant))
	}
	if base == nil {
		base = snapshot.Empty()
	}
	start := len(dst)
	dst = append(dst, 0, 0, 0)

	//1.- Index both snapshots by key; the maps only answer membership, never drive order.
	targetIndex := indexByKey(target)
	baseIndex := indexByKey(base)

	//2.- Deleted items are listed in base order; a resized item is deleted and re-sent raw.
	deleted := 0
	for _, item := range base.Items() {
		if idx, ok := targetIndex[item.Key()]; !ok || len(target.Item(idx).Data) != len(item.Data) {
			dst = append(dst, item.Key())
			deleted++
		}
	}

	//3.- Records follow target order; unchanged items emit nothing.
	updated := 0
	for _, item := range target.Items() {
		static := c.StaticSize(variant, item.Type)
		if static != 0 && static != len(item.Data) {
			return dst[:start], fmt.Errorf("%w: type=%d id=%d words=%d static=%d", ErrStaticSizeMismatch, item.Type, item.ID, len(item.Data), static)
		}
		recordStart := len(dst)
		dst = append(dst, int32(item.Type), int32(item.ID))
		if static == 0 {
			dst = append(dst, int32(len(item.Data)))
		}

		pastIdx, ok := baseIndex[item.Key()]
		if ok && len(base.Item(pastIdx).Data) == len(item.Data) {
			past := base.Item(pastIdx).Data
			changed := int32(0)
			for w, cur := range item.Data {
				diff := cur - past[w]
				changed |= diff
				dst = append(dst, diff)
			}
			if changed == 0 {
				dst = dst[:recordStart]
				continue
			}
		} else {
			dst = append(dst, item.Data...)
		}
		updated++
	}

	if deleted == 0 && updated == 0 {
		return dst[:start], nil
	}
	dst[start] = int32(deleted)
	dst[start+1] = int32(updated)
	return dst, nil
}

// UnpackDelta rebuilds the target snapshot from base and a delta produced by
// CreateDelta for the same variant. An empty delta reproduces base.
func (c *Codec) UnpackDelta(variant Variant, base *snapshot.Snapshot, data []int32) (*snapshot.Snapshot, error) {
	if variant < 0 || variant >= numVariants {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVariant, int(variant))
	}
	if base == nil {
		base = snapshot.Empty()
	}
	if len(data) == 0 {
		data = EmptyDelta()
	}
	if len(data) < HeaderWords {
		return nil, ErrTruncated
	}
	numDeleted, numUpdated := int(data[0]), int(data[1])
	if numDeleted < 0 || numUpdated < 0 || data[2] < 0 {
		return nil, fmt.Errorf("%w: negative header counts", ErrInvalidRecord)
	}
	rest := data[HeaderWords:]
	if numDeleted > len(rest) {
		return nil, ErrTruncated
	}
	deletedKeys := rest[:numDeleted]
	rest = rest[numDeleted:]

	//1.- Carry over every base item that is not deleted, keeping base order.
	builder := snapshot.NewBuilder()
	for _, item := range base.Items() {
		if containsKey(deletedKeys, item.Key()) {
			continue
		}
		if err := builder.AddItem(item.Type, item.ID, item.Data); err != nil {
			return nil, err
		}
	}

	//2.- Apply records: undiff against the base item or copy new payloads.
	for i := 0; i < numUpdated; i++ {
		if len(rest) < 2 {
			return nil, ErrTruncated
		}
		itemType, id := int(rest[0]), int(rest[1])
		rest = rest[2:]
		if itemType < 0 || itemType > snapshot.MaxType || id < 0 || id > snapshot.MaxID {
			return nil, fmt.Errorf("%w: type=%d id=%d", ErrInvalidRecord, itemType, id)
		}
		words := c.StaticSize(variant, itemType)
		if words == 0 {
			if len(rest) < 1 {
				return nil, ErrTruncated
			}
			words = int(rest[0])
			rest = rest[1:]
			if words < 0 || words > snapshot.MaxSize/4 {
				return nil, fmt.Errorf("%w: type=%d id=%d words=%d", ErrInvalidRecord, itemType, id, words)
			}
		}
		if len(rest) < words {
			return nil, ErrTruncated
		}
		payload := rest[:words]
		rest = rest[words:]

		key := snapshot.MakeKey(itemType, id)
		out, ok := builder.ItemData(key)
		if ok && len(out) != words {
			return nil, fmt.Errorf("%w: type=%d id=%d resized without delete", ErrInvalidRecord, itemType, id)
		}
		if !ok {
			var err error
			if out, err = builder.NewItem(itemType, id, words); err != nil {
				return nil, err
			}
		}

		pastIdx := base.ItemIndex(key)
		if pastIdx >= 0 && len(base.Item(pastIdx).Data) == words && !containsKey(deletedKeys, key) {
			c.undiff(itemType, base.Item(pastIdx).Data, payload, out)
		} else {
			copy(out, payload)
			c.dataRate[itemType].Add(uint64(words) * 32)
		}
		c.dataUpdates[itemType].Add(1)
	}
	return builder.Finish(), nil
}

func (c *Codec) undiff(itemType int, past, diff, out []int32) {
	bits := uint64(0)
	for w := range diff {
		out[w] = past[w] + diff[w]
		if diff[w] == 0 {
			bits++
		} else {
			bits += uint64(varint.PackedLen(diff[w])) * 8
		}
	}
	c.dataRate[itemType].Add(bits)
}

// EmptyDelta returns the header-only delta that reproduces its baseline.
func EmptyDelta() []int32 {
	return []int32{0, 0, 0}
}

// Summary reports the header counts of a delta for logging.
func Summary(data []int32) (deleted, updated int) {
	if len(data) < HeaderWords {
		return 0, 0
	}
	return int(data[0]), int(data[1])
}

func indexByKey(s *snapshot.Snapshot) map[int32]int {
	index := make(map[int32]int, s.NumItems())
	for i, item := range s.Items() {
		if _, dup := index[item.Key()]; !dup {
			index[item.Key()] = i
		}
	}
	return index
}

func containsKey(keys []int32, key int32) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
