package command

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type StatusType byte

const (
	StatusTypeGeneral  StatusType = 0x00
	StatusTypeDetailed StatusType = 0x02
)

type GetStatus struct {
	StatusType StatusType
}

func UnmarshalGetStatus(data []byte) (*GetStatus, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("invalid GetStatus payload: %x", data)
	}
	log.Debugf("GetStatus, 0x0e, received, data %x", data)
	return &GetStatus{StatusType: StatusType(data[0])}, nil
}

func (g *GetStatus) GetType() Type {
	return GET_STATUS
}

func (g *GetStatus) GetPayload() Payload {
	return Payload{byte(g.StatusType)}
}

func (g *GetStatus) DoesMutatePodState() bool {
	return false
}
