package command

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/avereha/podmanager/pkg/basal"
	"github.com/google/go-cmp/cmp"
)

var blockID = []byte{0x17, 0x00, 0x00, 0x02}

func TestBlock_MarshalUnmarshal(t *testing.T) {
	tempBasal, err := NewSetTempBasal(1.5, 30*time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}
	bolus, err := NewSetBolus(2.35)
	if err != nil {
		t.Fatal(err)
	}
	schedule := basal.NewSchedule([]basal.Entry{
		{Index: 0, TimeOffset: 0, Rate: 1},
		{Index: 1, TimeOffset: 6 * time.Hour, Rate: 0.55},
	})

	tests := []struct {
		name     string
		commands []Command
		mutates  bool
	}{
		{"status", []Command{&GetStatus{StatusType: StatusTypeGeneral}}, false},
		{"detailed status", []Command{&GetStatus{StatusType: StatusTypeDetailed}}, false},
		{"cancel temp basal", []Command{&StopDelivery{DeliveryType: DeliveryTypeTempBasal, BeepType: BeepTypeBeepBeep}}, true},
		{"temp basal", tempBasal, true},
		{"bolus", bolus, true},
		{"basal", NewSetBasal(schedule), true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := &Block{ID: blockID, Seq: uint8(i), Commands: tt.commands}
			if got := block.MutatesPodState(); got != tt.mutates {
				t.Errorf("MutatesPodState() = %v, want %v", got, tt.mutates)
			}
			data, err := block.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			back, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal(%x) error = %v", data, err)
			}
			if diff := cmp.Diff(block, back); diff != "" {
				t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBlock_Marshal_Known(t *testing.T) {
	block := &Block{ID: blockID, Seq: 1, Commands: []Command{&GetStatus{}}}
	data, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	// S0.0= | length | id | seq 1, 3 bytes | 0e 01 00 | crc | ,G0.0
	want := "53302e303d000b" + "17000002" + "0403" + "0e0100"
	if got := hex.EncodeToString(data[:len(data)-7]); got != want {
		t.Errorf("Marshal() = %s, want prefix %s", got, want)
	}
	if got := string(data[len(data)-5:]); got != ",G0.0" {
		t.Errorf("Marshal() suffix = %q", got)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	block := &Block{ID: blockID, Commands: []Command{&GetStatus{}}}
	data, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-7] ^= 0x01
	if _, err := Unmarshal(corrupt); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("Unmarshal() error = %v, want ErrCRCMismatch", err)
	}

	truncated := append([]byte(nil), data[:len(data)-6]...)
	if _, err := Unmarshal(truncated); err == nil {
		t.Error("Unmarshal() of a truncated block should fail")
	}

	if _, err := (&Block{ID: []byte{1}}).Marshal(); err == nil {
		t.Error("Marshal() with a short id should fail")
	}
}

func TestNewSetTempBasal_Range(t *testing.T) {
	tests := []struct {
		rate     float64
		duration time.Duration
		ok       bool
	}{
		{0, 30 * time.Minute, true},
		{30, 12 * time.Hour, true},
		{-1, 30 * time.Minute, false},
		{1, 0, false},
		{1, 30 * time.Second, false},
		{1, time.Minute, true},
		{1, 90 * time.Second, false},
		{1, 13 * time.Hour, false},
		{2000, time.Hour, false},
	}
	for _, tt := range tests {
		_, err := NewSetTempBasal(tt.rate, tt.duration, false)
		if (err == nil) != tt.ok {
			t.Errorf("NewSetTempBasal(%v, %v) error = %v", tt.rate, tt.duration, err)
		}
	}
}

func TestNewSetBolus(t *testing.T) {
	cmds, err := NewSetBolus(1.0)
	if err != nil {
		t.Fatal(err)
	}
	bolus := cmds[1].(*ProgramBolus)
	if bolus.Pulses != 20 || bolus.Units() != 1.0 {
		t.Errorf("NewSetBolus(1.0) = %+v", bolus)
	}
	for _, units := range []float64{0, 0.01, 31} {
		if _, err := NewSetBolus(units); err == nil {
			t.Errorf("NewSetBolus(%v) should fail", units)
		}
	}
}

func TestStopDelivery_Payload(t *testing.T) {
	stop := &StopDelivery{DeliveryType: DeliveryTypeAll, BeepType: BeepTypeBipBip}
	if diff := cmp.Diff(Payload{0x57}, stop.GetPayload()); diff != "" {
		t.Errorf("GetPayload() mismatch (-want +got):\n%s", diff)
	}
	if got := DeliveryTypeAll.String(); got != "all" {
		t.Errorf("String() = %q", got)
	}
}
