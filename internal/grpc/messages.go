package grpc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// message is implemented by every diagnostics payload; Codec relies on it.
type message interface {
	marshal() ([]byte, error)
	unmarshal([]byte) error
}

// TagTimeRequest asks when a client's tick was handed to the pipeline.
type TagTimeRequest struct {
	ClientID int32
	Tick     int32
}

func (m *TagTimeRequest) marshal() ([]byte, error) {
	var b []byte
	b = appendSint(b, 1, m.ClientID)
	b = appendSint(b, 2, m.Tick)
	return b, nil
}

func (m *TagTimeRequest) unmarshal(b []byte) error {
	*m = TagTimeRequest{}
	return walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			m.ClientID = int32(protowire.DecodeZigZag(v))
		case 2:
			m.Tick = int32(protowire.DecodeZigZag(v))
		}
		return nil
	})
}

// TagTimeResponse carries the recorded time when Found is set.
type TagTimeResponse struct {
	Found   bool
	TagTime *timestamppb.Timestamp
}

// Time converts TagTime, returning the zero time when absent.
func (m *TagTimeResponse) Time() time.Time {
	if m == nil || m.TagTime == nil {
		return time.Time{}
	}
	return m.TagTime.AsTime()
}

func (m *TagTimeResponse) marshal() ([]byte, error) {
	var b []byte
	if m.Found {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.TagTime != nil {
		raw, err := proto.Marshal(m.TagTime)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func (m *TagTimeResponse) unmarshal(b []byte) error {
	*m = TagTimeResponse{}
	return walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.Found = v != 0
		case 2:
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(raw, ts); err != nil {
				return err
			}
			m.TagTime = ts
		}
		return nil
	})
}

// StatsRequest has no fields.
type StatsRequest struct{}

func (m *StatsRequest) marshal() ([]byte, error) { return nil, nil }

func (m *StatsRequest) unmarshal(b []byte) error {
	return walk(b, func(protowire.Number, uint64, []byte) error { return nil })
}

// StatsResponse mirrors the pipeline counters plus the connected client count.
type StatsResponse struct {
	Pending      uint64
	Ready        uint64
	Snapshots    uint64
	Resets       uint64
	Compressed   uint64
	Empty        uint64
	Fallbacks    uint64
	PayloadBytes uint64
	Clients      uint64
}

func (m *StatsResponse) fields() []*uint64 {
	return []*uint64{&m.Pending, &m.Ready, &m.Snapshots, &m.Resets, &m.Compressed, &m.Empty, &m.Fallbacks, &m.PayloadBytes, &m.Clients}
}

func (m *StatsResponse) marshal() ([]byte, error) {
	var b []byte
	for i, field := range m.fields() {
		if *field == 0 {
			continue
		}
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.VarintType)
		b = protowire.AppendVarint(b, *field)
	}
	return b, nil
}

func (m *StatsResponse) unmarshal(b []byte) error {
	*m = StatsResponse{}
	fields := m.fields()
	return walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num >= 1 && int(num) <= len(fields) {
			*fields[num-1] = v
		}
		return nil
	})
}

// WatchStatsRequest opens a stats stream. Zero values select the server defaults;
// MaxUpdates zero streams until the caller cancels.
type WatchStatsRequest struct {
	IntervalMillis uint32
	MaxUpdates     uint32
}

func (m *WatchStatsRequest) marshal() ([]byte, error) {
	var b []byte
	if m.IntervalMillis != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.IntervalMillis))
	}
	if m.MaxUpdates != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MaxUpdates))
	}
	return b, nil
}

func (m *WatchStatsRequest) unmarshal(b []byte) error {
	*m = WatchStatsRequest{}
	return walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			m.IntervalMillis = uint32(v)
		case 2:
			m.MaxUpdates = uint32(v)
		}
		return nil
	})
}

func appendSint(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

// walk visits varint and length-delimited fields; other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			if err := visit(num, v, nil); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			if err := visit(num, 0, raw); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
