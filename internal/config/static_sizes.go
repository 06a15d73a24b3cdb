package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StaticSize fixes the payload size in words of one item type in one protocol variant.
type StaticSize struct {
	Variant string
	Type    int
	Words   int
}

// staticSizesFile is the on-disk layout:
//
//	variants:
//	  "0.7":
//	    1: 4
//	    9: 6
type staticSizesFile struct {
	Variants map[string]map[int]int `yaml:"variants"`
}

// LoadStaticSizes reads the per-variant static-size table. An empty path yields no entries.
func LoadStaticSizes(path string) ([]StaticSize, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static sizes: %w", err)
	}
	return ParseStaticSizes(raw)
}

// ParseStaticSizes decodes a static-size table. Entries are returned sorted by
// variant and type so application order is stable.
func ParseStaticSizes(raw []byte) ([]StaticSize, error) {
	var file staticSizesFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode static sizes: %w", err)
	}
	var out []StaticSize
	for variant, types := range file.Variants {
		for itemType, words := range types {
			//1.- Only the low item types carry static sizes on the wire.
			if itemType < 0 || itemType >= 64 {
				return nil, fmt.Errorf("static size for variant %s: item type %d out of range [0,64)", variant, itemType)
			}
			if words < 0 {
				return nil, fmt.Errorf("static size for variant %s type %d: negative word count %d", variant, itemType, words)
			}
			out = append(out, StaticSize{Variant: variant, Type: itemType, Words: words})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Variant != out[j].Variant {
			return out[i].Variant < out[j].Variant
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
