package gtfs

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frequency is one headway window of a trip. Times are seconds since the
// start of the service day and may exceed 24h.
type Frequency struct {
	StartTime   uint32
	EndTime     uint32
	HeadwaySecs uint32
	ExactTimes  bool
}

// Frequencies are stored on trips_compressed as a protobuf message:
//
//	message Frequencies { repeated Frequency frequencies = 1; }
//	message Frequency {
//	  uint32 start_time = 1; uint32 end_time = 2;
//	  uint32 headway_secs = 3; bool exact_times = 4;
//	}
const (
	fieldFrequencies = 1

	fieldStartTime   = 1
	fieldEndTime     = 2
	fieldHeadwaySecs = 3
	fieldExactTimes  = 4
)

var ErrBadFrequencies = errors.New("malformed frequency descriptor")

// DecodeFrequencies decodes the stored frequency blob. ok is false when the
// trip carries no descriptor (empty blob or no entries).
func DecodeFrequencies(b []byte) (freqs []Frequency, ok bool, err error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldFrequencies && typ == protowire.BytesType {
			msg, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, false, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(m))
			}
			f, err := decodeFrequency(msg)
			if err != nil {
				return nil, false, err
			}
			freqs = append(freqs, f)
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, false, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return freqs, len(freqs) > 0, nil
}

func decodeFrequency(b []byte) (Frequency, error) {
	var f Frequency
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return f, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return f, fmt.Errorf("%w: %v", ErrBadFrequencies, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case fieldStartTime:
			f.StartTime = uint32(v)
		case fieldEndTime:
			f.EndTime = uint32(v)
		case fieldHeadwaySecs:
			f.HeadwaySecs = uint32(v)
		case fieldExactTimes:
			f.ExactTimes = protowire.DecodeBool(v)
		}
	}
	return f, nil
}

// EncodeFrequencies is the inverse of DecodeFrequencies.
func EncodeFrequencies(freqs []Frequency) []byte {
	var out []byte
	for _, f := range freqs {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldStartTime, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(f.StartTime))
		msg = protowire.AppendTag(msg, fieldEndTime, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(f.EndTime))
		msg = protowire.AppendTag(msg, fieldHeadwaySecs, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(f.HeadwaySecs))
		if f.ExactTimes {
			msg = protowire.AppendTag(msg, fieldExactTimes, protowire.VarintType)
			msg = protowire.AppendVarint(msg, protowire.EncodeBool(true))
		}
		out = protowire.AppendTag(out, fieldFrequencies, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	return out
}
