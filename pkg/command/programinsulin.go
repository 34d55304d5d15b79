package command

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// InsulinTable selects which program follows a ProgramInsulin command
type InsulinTable byte

const (
	InsulinTableBasal     InsulinTable = 0
	InsulinTableTempBasal InsulinTable = 1
	InsulinTableBolus     InsulinTable = 2
)

type ProgramInsulin struct {
	Table InsulinTable
}

func UnmarshalProgramInsulin(data []byte) (*ProgramInsulin, error) {
	if len(data) != 1 || data[0] > byte(InsulinTableBolus) {
		return nil, fmt.Errorf("invalid ProgramInsulin payload: %x", data)
	}
	log.Debugf("ProgramInsulin, 0x1a, received, data %x", data)
	return &ProgramInsulin{Table: InsulinTable(data[0])}, nil
}

func (g *ProgramInsulin) GetPayload() Payload {
	return Payload{byte(g.Table)}
}

func (g *ProgramInsulin) GetType() Type {
	return PROGRAM_INSULIN
}

func (g *ProgramInsulin) DoesMutatePodState() bool {
	return true
}
