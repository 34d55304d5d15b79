package basal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

const (
	// FieldLength is the size of the fixed basal program field
	FieldLength = 192
	entryLength = 3
	// MaxEntries is the number of records that fit in the field
	MaxEntries = FieldLength / entryLength

	rateScale   = 40 // 1/40 U/hr
	offsetUnit  = 30 * time.Minute
	maxDayRange = 24 * time.Hour
)

// Entry is one segment of a 24h rate program
type Entry struct {
	Index      int
	TimeOffset time.Duration // from midnight
	Rate       float64       // U/hour
}

// Schedule is immutable once built. Replace it, don't modify Entries.
type Schedule struct {
	Entries []Entry
}

func NewSchedule(entries []Entry) Schedule {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return Schedule{Entries: cp}
}

// Decode reads consecutive 3 byte records: u16 little endian rate*40, u8 offset in 30 minute units.
// Decoding stops at the first record that doesn't fit, is >= 24h or doesn't strictly
// increase over the previous one; what was read so far is the schedule.
// ok is false only when no entry could be read.
func Decode(data []byte) (s Schedule, ok bool) {
	var entries []Entry
	for index, start := 0, 0; start+entryLength <= len(data); index, start = index+1, start+entryLength {
		entry, valid := decodeEntry(index, data[start:start+entryLength])
		if !valid {
			break
		}
		if n := len(entries); n > 0 && entries[n-1].TimeOffset >= entry.TimeOffset {
			break
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return Schedule{}, false
	}
	return Schedule{Entries: entries}, true
}

func decodeEntry(index int, data []byte) (Entry, bool) {
	raw := binary.LittleEndian.Uint16(data[:2])
	offset := time.Duration(data[2]) * offsetUnit
	if offset >= maxDayRange {
		return Entry{}, false
	}
	return Entry{
		Index:      index,
		TimeOffset: offset,
		Rate:       float64(raw) / rateScale,
	}, true
}

// Encode never fails: values out of range are clamped, entries past MaxEntries are dropped
func Encode(s Schedule) []byte {
	buf := make([]byte, FieldLength)
	for i, entry := range s.Entries {
		if i >= MaxEntries {
			break
		}
		start := i * entryLength
		binary.LittleEndian.PutUint16(buf[start:], clampUint16(math.Round(entry.Rate*rateScale)))
		buf[start+2] = clampUint8(int64(entry.TimeOffset / offsetUnit))
	}
	return buf
}

func clampUint16(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

func clampUint8(v int64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint8:
		return math.MaxUint8
	}
	return uint8(v)
}

// RateAt returns the rate in effect at offset from midnight
func (s Schedule) RateAt(offset time.Duration) float64 {
	offset %= maxDayRange
	if offset < 0 {
		offset += maxDayRange
	}
	rate := 0.0
	for _, entry := range s.Entries {
		if entry.TimeOffset > offset {
			break
		}
		rate = entry.Rate
	}
	return rate
}

// Validate reports schedules Encode can't represent exactly. Encode itself doesn't call it.
func (s Schedule) Validate() error {
	if len(s.Entries) == 0 {
		return fmt.Errorf("basal schedule is empty")
	}
	if len(s.Entries) > MaxEntries {
		return fmt.Errorf("basal schedule has %d entries, max is %d", len(s.Entries), MaxEntries)
	}
	for i, entry := range s.Entries {
		if entry.TimeOffset < 0 || entry.TimeOffset >= maxDayRange {
			return fmt.Errorf("entry %d: offset %s out of range", i, entry.TimeOffset)
		}
		if entry.TimeOffset%offsetUnit != 0 {
			return fmt.Errorf("entry %d: offset %s is not a multiple of %s", i, entry.TimeOffset, offsetUnit)
		}
		if i > 0 && entry.TimeOffset <= s.Entries[i-1].TimeOffset {
			return fmt.Errorf("entry %d: offset %s doesn't increase", i, entry.TimeOffset)
		}
		if entry.Rate < 0 || entry.Rate*rateScale > math.MaxUint16 {
			return fmt.Errorf("entry %d: rate %.3f out of range", i, entry.Rate)
		}
	}
	if s.Entries[0].TimeOffset != 0 {
		return fmt.Errorf("first entry must start at midnight")
	}
	return nil
}

// MarshalText stores the schedule in its wire encoding
func (s Schedule) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(Encode(s))), nil
}

func (s *Schedule) UnmarshalText(text []byte) error {
	data, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid basal schedule: %w", err)
	}
	decoded, ok := Decode(data)
	if !ok {
		return fmt.Errorf("invalid basal schedule: %s", text)
	}
	*s = decoded
	return nil
}
