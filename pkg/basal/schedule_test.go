package basal

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSchedule_EncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
	}{
		{
			name:     "single",
			schedule: Schedule{Entries: []Entry{{Index: 0, TimeOffset: 0, Rate: 1.0}}},
		},
		{
			name: "day",
			schedule: Schedule{Entries: []Entry{
				{Index: 0, TimeOffset: 0, Rate: 0.85},
				{Index: 1, TimeOffset: 6 * time.Hour, Rate: 1.15},
				{Index: 2, TimeOffset: 6*time.Hour + 30*time.Minute, Rate: 1.2},
				{Index: 3, TimeOffset: 23*time.Hour + 30*time.Minute, Rate: 0.025},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Encode(tt.schedule)
			if len(buf) != FieldLength {
				t.Fatalf("Encode() length = %d, want %d", len(buf), FieldLength)
			}
			got, ok := Decode(buf)
			if !ok {
				t.Fatalf("Decode() failed for %x", buf)
			}
			if diff := cmp.Diff(tt.schedule, got); diff != "" {
				t.Errorf("Decode(Encode()) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchedule_RoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		s := randomSchedule(r)
		got, ok := Decode(Encode(s))
		if !ok {
			t.Fatalf("Decode() failed for %+v", s)
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

// randomSchedule builds a valid schedule: increasing 30 minute offsets, rates in 1/40 steps
func randomSchedule(r *rand.Rand) Schedule {
	count := 1 + r.Intn(48)
	slots := r.Perm(48)[:count]
	used := make([]bool, 48)
	used[0] = true
	for _, slot := range slots {
		used[slot] = true
	}
	var entries []Entry
	for slot, ok := range used {
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Index:      len(entries),
			TimeOffset: time.Duration(slot) * 30 * time.Minute,
			Rate:       float64(r.Intn(1<<16)) / 40,
		})
	}
	return Schedule{Entries: entries}
}

func TestDecode_StopsAtNonIncreasingOffset(t *testing.T) {
	buf := make([]byte, FieldLength)
	copy(buf, []byte{
		0x28, 0x00, 0x00, // 1.0 U/hr at 00:00
		0x50, 0x00, 0x02, // 2.0 U/hr at 01:00
		0x3c, 0x00, 0x02, // same offset again
		0x14, 0x00, 0x04, // valid but never reached
	})

	got, ok := Decode(buf)
	if !ok {
		t.Fatal("Decode() failed")
	}
	want := Schedule{Entries: []Entry{
		{Index: 0, TimeOffset: 0, Rate: 1.0},
		{Index: 1, TimeOffset: time.Hour, Rate: 2.0},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_AllZero(t *testing.T) {
	got, ok := Decode(make([]byte, FieldLength))
	if !ok {
		t.Fatal("Decode() of a zero field should not fail")
	}
	want := Schedule{Entries: []Entry{{Index: 0, TimeOffset: 0, Rate: 0}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short", data: []byte{0x28, 0x00}},
		{name: "offset 24h", data: []byte{0x28, 0x00, 48}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s, ok := Decode(tt.data); ok {
				t.Errorf("Decode(%x) = %+v, want failure", tt.data, s)
			}
		})
	}
}

func TestDecode_StopsAt24h(t *testing.T) {
	data := []byte{
		0x28, 0x00, 0x00,
		0x28, 0x00, 47, // 23:30
		0x28, 0x00, 48, // 24:00
	}
	got, ok := Decode(data)
	if !ok || len(got.Entries) != 2 {
		t.Fatalf("Decode() = %+v, %v, want 2 entries", got, ok)
	}
}

func TestDecode_FullField(t *testing.T) {
	entries := make([]Entry, MaxEntries)
	for i := range entries {
		// 64 entries can't all be 30 minutes apart within a day, so the last ones are cut off at 24h
		entries[i] = Entry{Index: i, TimeOffset: time.Duration(i) * 30 * time.Minute, Rate: 1}
	}
	got, ok := Decode(Encode(Schedule{Entries: entries}))
	if !ok {
		t.Fatal("Decode() failed")
	}
	if len(got.Entries) != 48 {
		t.Errorf("Decode() entries = %d, want 48", len(got.Entries))
	}
}

// Truncation hides corruption: flipping one offset byte into a decreasing value shortens
// the schedule instead of failing. Validate on the decoded result can't detect it, so the
// only defence is comparing with the expected entry count.
func TestDecode_CorruptionTruncates(t *testing.T) {
	s := Schedule{Entries: []Entry{
		{Index: 0, TimeOffset: 0, Rate: 1},
		{Index: 1, TimeOffset: 2 * time.Hour, Rate: 2},
		{Index: 2, TimeOffset: 4 * time.Hour, Rate: 3},
	}}
	buf := Encode(s)
	buf[5] = 0x00 // second offset now equals the first

	got, ok := Decode(buf)
	if !ok {
		t.Fatal("Decode() failed")
	}
	if len(got.Entries) != 1 {
		t.Errorf("Decode() entries = %d, want 1", len(got.Entries))
	}
	if err := got.Validate(); err != nil {
		t.Errorf("truncated schedule should still validate, got %v", err)
	}
}

func TestEncode_Clamps(t *testing.T) {
	s := Schedule{Entries: []Entry{
		{TimeOffset: -time.Hour, Rate: -1},
		{TimeOffset: 200 * time.Hour, Rate: 5000},
	}}
	buf := Encode(s)
	want := []byte{0x00, 0x00, 0x00, 0xff, 0xff, 0xff}
	if diff := cmp.Diff(want, buf[:6]); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedule_RateAt(t *testing.T) {
	s := NewSchedule([]Entry{
		{Index: 0, TimeOffset: 0, Rate: 0.5},
		{Index: 1, TimeOffset: 8 * time.Hour, Rate: 1.5},
	})
	tests := []struct {
		offset time.Duration
		want   float64
	}{
		{0, 0.5},
		{7*time.Hour + 59*time.Minute, 0.5},
		{8 * time.Hour, 1.5},
		{23 * time.Hour, 1.5},
		{25 * time.Hour, 0.5},
	}
	for _, tt := range tests {
		if got := s.RateAt(tt.offset); got != tt.want {
			t.Errorf("RateAt(%s) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr bool
	}{
		{"ok", []Entry{{TimeOffset: 0, Rate: 1}, {TimeOffset: time.Hour, Rate: 2}}, false},
		{"empty", nil, true},
		{"not midnight", []Entry{{TimeOffset: time.Hour, Rate: 1}}, true},
		{"unaligned", []Entry{{TimeOffset: 0, Rate: 1}, {TimeOffset: 10 * time.Minute, Rate: 1}}, true},
		{"decreasing", []Entry{{TimeOffset: 0, Rate: 1}, {TimeOffset: time.Hour}, {TimeOffset: time.Hour}}, true},
		{"negative rate", []Entry{{TimeOffset: 0, Rate: -1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSchedule(tt.entries).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedule_Text(t *testing.T) {
	s := NewSchedule([]Entry{{Index: 0, TimeOffset: 0, Rate: 0.8}, {Index: 1, TimeOffset: 7 * time.Hour, Rate: 1.15}})
	text, err := s.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if len(text) != 2*FieldLength {
		t.Errorf("MarshalText() length = %d", len(text))
	}
	var back Schedule
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s, back); diff != "" {
		t.Errorf("UnmarshalText() mismatch (-want +got):\n%s", diff)
	}
	if err := back.UnmarshalText([]byte("zz")); err == nil {
		t.Error("UnmarshalText() of bad hex should fail")
	}
}
