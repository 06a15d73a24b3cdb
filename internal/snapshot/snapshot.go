// Package snapshot models the serialized game state produced once per tick.
//
// A serialized snapshot is a sequence of little-endian 32-bit words:
//
//	dataSize numItems offset[0] ... offset[numItems-1] item[0] ... item[numItems-1]
//
// dataSize is the byte length of the item region, offsets are byte offsets into
// that region and every item is a key word (type<<16 | id) followed by its payload.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxType is the largest item type id.
	MaxType = 0x7fff
	// MaxID is the largest item id.
	MaxID = 0xffff
	// MaxItems bounds the number of items in a single snapshot.
	MaxItems = 1024
	// MaxParts bounds how many transport packets one snapshot may span.
	MaxParts = 64
	// MaxSize bounds the serialized size of a snapshot in bytes.
	MaxSize = MaxParts * 1024

	headerWords = 2
	wordSize    = 4
)

var (
	// ErrInvalid reports a serialized snapshot that fails its self-check.
	ErrInvalid = errors.New("snapshot: invalid layout")
	// ErrTooLarge reports a serialized snapshot above MaxSize.
	ErrTooLarge = errors.New("snapshot: exceeds maximum size")
)

// Item is one typed entry of a snapshot.
type Item struct {
	Type int
	ID   int
	Data []int32
}

// Key packs the type and id into the identifier used for matching items.
func (i Item) Key() int32 { return MakeKey(i.Type, i.ID) }

// MakeKey packs an item type and id.
func MakeKey(itemType, id int) int32 { return int32(itemType<<16 | id&0xffff) }

// KeyType extracts the item type from a key.
func KeyType(key int32) int { return int(key >> 16) }

// KeyID extracts the item id from a key.
func KeyID(key int32) int { return int(key & 0xffff) }

// Snapshot is an ordered, immutable list of items.
type Snapshot struct {
	items    []Item
	dataSize int
}

var empty = &Snapshot{}

// Empty returns the canonical snapshot without items, used as the implicit
// baseline when no acknowledged snapshot is available.
func Empty() *Snapshot { return empty }

// NumItems returns the number of items.
func (s *Snapshot) NumItems() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Item returns the item at index i. The payload must not be modified.
func (s *Snapshot) Item(i int) Item { return s.items[i] }

// Items returns the items in snapshot order. The slice must not be modified.
func (s *Snapshot) Items() []Item {
	if s == nil {
		return nil
	}
	return s.items
}

// ItemIndex returns the index of the item with key, or -1.
func (s *Snapshot) ItemIndex(key int32) int {
	if s == nil {
		return -1
	}
	for i := range s.items {
		if s.items[i].Key() == key {
			return i
		}
	}
	return -1
}

// Find returns the payload of the item with the given type and id.
func (s *Snapshot) Find(itemType, id int) ([]int32, bool) {
	idx := s.ItemIndex(MakeKey(itemType, id))
	if idx < 0 {
		return nil, false
	}
	return s.items[idx].Data, true
}

// Crc is the wrapping sum of every payload word, sent alongside deltas so the
// receiver can verify its reconstruction.
func (s *Snapshot) Crc() uint32 {
	if s == nil {
		return 0
	}
	var crc uint32
	for _, item := range s.items {
		for _, w := range item.Data {
			crc += uint32(w)
		}
	}
	return crc
}

// Size returns the serialized size in bytes.
func (s *Snapshot) Size() int {
	if s == nil {
		return headerWords * wordSize
	}
	return (headerWords+len(s.items))*wordSize + s.dataSize
}

// Equal reports whether both snapshots hold the same items with identical
// payloads. Item order is not significant.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s.NumItems() != other.NumItems() {
		return false
	}
	for _, item := range s.Items() {
		idx := other.ItemIndex(item.Key())
		if idx < 0 {
			return false
		}
		theirs := other.items[idx].Data
		if len(theirs) != len(item.Data) {
			return false
		}
		for w := range item.Data {
			if theirs[w] != item.Data[w] {
				return false
			}
		}
	}
	return true
}

// Marshal serializes the snapshot.
func (s *Snapshot) Marshal() []byte {
	return s.AppendBinary(make([]byte, 0, s.Size()))
}

// AppendBinary appends the serialized snapshot to dst.
func (s *Snapshot) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(s.dataSizeOrZero()))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(s.NumItems()))
	offset := 0
	for _, item := range s.Items() {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(offset))
		offset += (1 + len(item.Data)) * wordSize
	}
	for _, item := range s.Items() {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(item.Key()))
		for _, w := range item.Data {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(w))
		}
	}
	return dst
}

func (s *Snapshot) dataSizeOrZero() int {
	if s == nil {
		return 0
	}
	return s.dataSize
}

// Validate performs the self-check on a serialized snapshot without building it.
func Validate(data []byte) error {
	_, err := Parse(data)
	return err
}

// Parse validates a serialized snapshot and decodes its items. The declared
// sizes must match len(data) exactly.
func Parse(data []byte) (*Snapshot, error) {
	//1.- Reject buffers that cannot hold the header or exceed the hard limit.
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	if len(data) < headerWords*wordSize || len(data)%wordSize != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalid, len(data))
	}
	dataSize := int(int32(binary.LittleEndian.Uint32(data[0:])))
	numItems := int(int32(binary.LittleEndian.Uint32(data[4:])))
	if dataSize < 0 || numItems < 0 || numItems > MaxItems || dataSize%wordSize != 0 {
		return nil, fmt.Errorf("%w: header data_size=%d num_items=%d", ErrInvalid, dataSize, numItems)
	}
	if (headerWords+numItems)*wordSize+dataSize != len(data) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrInvalid, (headerWords+numItems)*wordSize+dataSize, len(data))
	}

	//2.- Decode the item region once so items can share a single backing array.
	region := data[(headerWords+numItems)*wordSize:]
	words := make([]int32, len(region)/wordSize)
	for i := range words {
		words[i] = int32(binary.LittleEndian.Uint32(region[i*wordSize:]))
	}

	//3.- Offsets must be word aligned and increasing with room for the key word.
	items := make([]Item, numItems)
	for i := 0; i < numItems; i++ {
		start := int(int32(binary.LittleEndian.Uint32(data[(headerWords+i)*wordSize:])))
		end := dataSize
		if i+1 < numItems {
			end = int(int32(binary.LittleEndian.Uint32(data[(headerWords+i+1)*wordSize:])))
		}
		if start < 0 || start > dataSize || start%wordSize != 0 || end > dataSize || end-start < wordSize {
			return nil, fmt.Errorf("%w: item %d spans [%d,%d)", ErrInvalid, i, start, end)
		}
		key := words[start/wordSize]
		itemType, id := KeyType(key), KeyID(key)
		if itemType < 0 || itemType > MaxType {
			return nil, fmt.Errorf("%w: item %d type %d", ErrInvalid, i, itemType)
		}
		items[i] = Item{
			Type: itemType,
			ID:   id,
			Data: words[start/wordSize+1 : end/wordSize : end/wordSize],
		}
	}
	return &Snapshot{items: items, dataSize: dataSize}, nil
}
