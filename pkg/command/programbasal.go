package command

import (
	"fmt"

	"github.com/avereha/podmanager/pkg/basal"

	log "github.com/sirupsen/logrus"
)

// ProgramBasal replaces the 24h basal program and resumes it
type ProgramBasal struct {
	Reminder byte
	Schedule basal.Schedule
}

// NewSetBasal returns the two commands a pod expects to (re)start scheduled basal
func NewSetBasal(schedule basal.Schedule) []Command {
	return []Command{
		&ProgramInsulin{Table: InsulinTableBasal},
		&ProgramBasal{Schedule: schedule},
	}
}

func UnmarshalProgramBasal(data []byte) (*ProgramBasal, error) {
	if len(data) != 1+basal.FieldLength {
		return nil, fmt.Errorf("invalid ProgramBasal payload length %d", len(data))
	}
	log.Debugf("ProgramBasal, 0x13, received, data %x", data)
	schedule, ok := basal.Decode(data[1:])
	if !ok {
		return nil, fmt.Errorf("ProgramBasal without a valid schedule: %x", data[1:])
	}
	return &ProgramBasal{Reminder: data[0], Schedule: schedule}, nil
}

func (g *ProgramBasal) GetPayload() Payload {
	ret := make(Payload, 0, 1+basal.FieldLength)
	ret = append(ret, g.Reminder)
	return append(ret, basal.Encode(g.Schedule)...)
}

func (g *ProgramBasal) GetType() Type {
	return PROGRAM_BASAL
}

func (g *ProgramBasal) DoesMutatePodState() bool {
	return true
}
