package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"snapsync/broker/internal/delta"
)

// HeaderSchemaVersion tracks the schema version for recording header documents.
const HeaderSchemaVersion = 1

// StaticSize pins the payload size of one item type, mirroring the codec table
// the recording was produced with.
type StaticSize struct {
	Type  int `json:"type"`
	Words int `json:"words"`
}

// Header describes how the frames of a recording were encoded.
type Header struct {
	SchemaVersion int          `json:"schema_version"`
	Variant       string       `json:"variant"`
	TickRate      int          `json:"tick_rate"`
	StaticSizes   []StaticSize `json:"static_sizes,omitempty"`
	FilePointer   string       `json:"file_pointer"`
}

// Validate ensures the header carries enough information to decode the frames.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if _, err := delta.ParseVariant(h.Variant); err != nil {
		return err
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// Codec builds a delta codec carrying the recorded static sizes.
func (h Header) Codec() (*delta.Codec, delta.Variant, error) {
	variant, err := delta.ParseVariant(h.Variant)
	if err != nil {
		return nil, 0, err
	}
	codec := delta.NewCodec()
	for _, size := range h.StaticSizes {
		if err := codec.SetStaticSize(variant, size.Type, size.Words); err != nil {
			return nil, 0, fmt.Errorf("static size for type %d: %w", size.Type, err)
		}
	}
	return codec, variant, nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and validates a recording header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
