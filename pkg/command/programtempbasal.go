package command

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	tempBasalRateScale = 40 // 1/40 U/hr
	maxTempBasalLength = 12 * time.Hour

	reminderConfidence = 0x40
)

// ProgramTempBasal
//
//	byte# 00 0102 0304
//	      RR RRRR DDDD
//
// RR is the reminder byte, RRRR the rate in 1/40 U/hr, DDDD the duration in minutes
type ProgramTempBasal struct {
	Reminder byte
	Rate     float64 // U/hour
	Duration time.Duration
}

// NewSetTempBasal returns the command pair that starts a temp basal
func NewSetTempBasal(rate float64, duration time.Duration, confidenceReminder bool) ([]Command, error) {
	if rate < 0 || rate*tempBasalRateScale > math.MaxUint16 {
		return nil, fmt.Errorf("temp basal rate out of range: %v", rate)
	}
	if duration < time.Minute || duration > maxTempBasalLength {
		return nil, fmt.Errorf("temp basal duration out of range: %v", duration)
	}
	if duration%time.Minute != 0 {
		return nil, fmt.Errorf("temp basal duration is not whole minutes: %v", duration)
	}
	var reminder byte
	if confidenceReminder {
		reminder = reminderConfidence
	}
	return []Command{
		&ProgramInsulin{Table: InsulinTableTempBasal},
		&ProgramTempBasal{Reminder: reminder, Rate: rate, Duration: duration},
	}, nil
}

func UnmarshalProgramTempBasal(data []byte) (*ProgramTempBasal, error) {
	if len(data) != 5 {
		return nil, fmt.Errorf("invalid ProgramTempBasal payload: %x", data)
	}
	log.Debugf("ProgramTempBasal, 0x16, received, data %x", data)
	return &ProgramTempBasal{
		Reminder: data[0],
		Rate:     float64(binary.BigEndian.Uint16(data[1:3])) / tempBasalRateScale,
		Duration: time.Duration(binary.BigEndian.Uint16(data[3:5])) * time.Minute,
	}, nil
}

func (g *ProgramTempBasal) GetPayload() Payload {
	ret := make(Payload, 5)
	ret[0] = g.Reminder
	binary.BigEndian.PutUint16(ret[1:3], uint16(math.Round(g.Rate*tempBasalRateScale)))
	binary.BigEndian.PutUint16(ret[3:5], uint16(g.Duration/time.Minute))
	return ret
}

func (g *ProgramTempBasal) GetType() Type {
	return PROGRAM_TEMP_BASAL
}

func (g *ProgramTempBasal) DoesMutatePodState() bool {
	return true
}
