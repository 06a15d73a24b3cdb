package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrFull reports that adding an item would exceed MaxItems or MaxSize.
	ErrFull = errors.New("snapshot: builder full")
	// ErrInvalidItem reports an out-of-range type, id or size.
	ErrInvalidItem = errors.New("snapshot: invalid item")
	// ErrDuplicateItem reports a second item with an existing key.
	ErrDuplicateItem = errors.New("snapshot: duplicate item")
)

// Builder assembles a snapshot item by item.
type Builder struct {
	items    []Item
	index    map[int32]int
	dataSize int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[int32]int)}
}

// Reset discards every item so the builder can be reused for the next tick.
func (b *Builder) Reset() {
	b.items = b.items[:0]
	b.dataSize = 0
	clear(b.index)
}

// NumItems returns the number of items added so far.
func (b *Builder) NumItems() int { return len(b.items) }

// NewItem appends a zeroed item of the given payload size in words and returns
// the payload for the caller to fill.
func (b *Builder) NewItem(itemType, id, words int) ([]int32, error) {
	if itemType < 0 || itemType > MaxType || id < 0 || id > MaxID || words < 0 {
		return nil, fmt.Errorf("%w: type=%d id=%d words=%d", ErrInvalidItem, itemType, id, words)
	}
	size := (1 + words) * wordSize
	//1.- Account for the header, the offset table and the new item against the hard limit.
	if len(b.items)+1 > MaxItems || (headerWords+len(b.items)+1)*wordSize+b.dataSize+size > MaxSize {
		return nil, ErrFull
	}
	key := MakeKey(itemType, id)
	if _, ok := b.index[key]; ok {
		return nil, fmt.Errorf("%w: type=%d id=%d", ErrDuplicateItem, itemType, id)
	}
	data := make([]int32, words)
	b.index[key] = len(b.items)
	b.items = append(b.items, Item{Type: itemType, ID: id, Data: data})
	b.dataSize += size
	return data, nil
}

// AddItem appends a copy of the payload.
func (b *Builder) AddItem(itemType, id int, payload []int32) error {
	data, err := b.NewItem(itemType, id, len(payload))
	if err != nil {
		return err
	}
	copy(data, payload)
	return nil
}

// ItemData returns the payload of a previously added item.
func (b *Builder) ItemData(key int32) ([]int32, bool) {
	idx, ok := b.index[key]
	if !ok {
		return nil, false
	}
	return b.items[idx].Data, true
}

// Finish returns the built snapshot. The builder must be Reset before reuse.
func (b *Builder) Finish() *Snapshot {
	items := make([]Item, len(b.items))
	copy(items, b.items)
	return &Snapshot{items: items, dataSize: b.dataSize}
}
