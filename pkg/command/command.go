package command

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/avereha/podmanager/pkg/crc"

	log "github.com/sirupsen/logrus"
)

type Type byte

const (
	GET_STATUS         Type = 0x0e
	PROGRAM_BASAL      Type = 0x13 // Always preceded by 0x1a
	PROGRAM_TEMP_BASAL Type = 0x16 // Always preceded by 0x1a
	PROGRAM_BOLUS      Type = 0x17 // Always preceded by 0x1a
	PROGRAM_INSULIN    Type = 0x1a // Always followed by one of: 0x13, 0x16, 0x17
	STOP_DELIVERY      Type = 0x1f
)

const (
	blockPrefix = "S0.0="
	blockSuffix = ",G0.0"
)

var ErrCRCMismatch = errors.New("command block CRC mismatch")

type Payload []byte

type Command interface {
	GetType() Type
	GetPayload() Payload
	DoesMutatePodState() bool
}

// Block is the unit sent to the pod: one or more commands under a sequence number
type Block struct {
	ID       []byte // 4 bytes
	Seq      uint8
	Commands []Command
}

// MutatesPodState is true when any command of the block can change delivery
func (b *Block) MutatesPodState() bool {
	for _, cmd := range b.Commands {
		if cmd.DoesMutatePodState() {
			return true
		}
	}
	return false
}

func (b *Block) Marshal() ([]byte, error) {
	var payload bytes.Buffer
	for _, cmd := range b.Commands {
		p := cmd.GetPayload()
		if len(p) > 0xff {
			return nil, fmt.Errorf("command 0x%x payload is too long: %d", cmd.GetType(), len(p))
		}
		payload.WriteByte(byte(cmd.GetType()))
		payload.WriteByte(byte(len(p)))
		payload.Write(p)
	}

	var body bytes.Buffer
	if len(b.ID) != 4 {
		return nil, fmt.Errorf("block id should be 4 bytes, got: %x", b.ID)
	}
	body.Write(b.ID)
	header := uint16(b.Seq&0x0f)<<10 | uint16(payload.Len())&0x03ff
	body.WriteByte(byte(header >> 8))
	body.WriteByte(byte(header))
	body.Write(payload.Bytes())
	body.Write(crc.CRC16(body.Bytes()))

	var buf bytes.Buffer
	buf.WriteString(blockPrefix)
	buf.WriteByte(byte(body.Len() >> 8))
	buf.WriteByte(byte(body.Len()))
	buf.Write(body.Bytes())
	buf.WriteString(blockSuffix)
	log.Tracef("command block: %x", buf.Bytes())
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Block, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("command is too short: %x", data)
	}
	if string(data[:5]) != blockPrefix {
		return nil, fmt.Errorf("command should start with %s %x", blockPrefix, data)
	}
	n := len(data)
	if string(data[n-5:]) != blockSuffix {
		return nil, fmt.Errorf("command should end with %s %x", blockSuffix, data)
	}
	l := int(data[5])<<8 | int(data[6])
	if l != n-7-5 {
		return nil, fmt.Errorf("invalid data length: %d :: %d :: %x", l, n-7-5, data)
	}
	data = data[5+2 : n-5] // remove unused strings&length
	n = len(data)
	if n < 8 {
		return nil, fmt.Errorf("command too short: %x", data)
	}

	sum := crc.CRC16(data[:n-2])
	if !bytes.Equal(sum, data[n-2:]) {
		return nil, fmt.Errorf("%w: %x, want %x", ErrCRCMismatch, data[n-2:], sum)
	}
	lsf := uint16(data[4])<<8 | uint16(data[5])
	length := int(lsf & 1023)
	if length+6+2 != n {
		return nil, fmt.Errorf("invalid command length %d :: %d. %x", n, length+6+2, data)
	}
	ret := &Block{
		ID:  append([]byte(nil), data[:4]...),
		Seq: uint8((lsf >> 10) & 0x0f),
	}
	log.Debugf("Command block data: %x", data)

	payload := data[6 : n-2]
	for len(payload) > 0 {
		if len(payload) < 2 || len(payload) < int(payload[1])+2 {
			return nil, fmt.Errorf("truncated command: %x", payload)
		}
		t := Type(payload[0])
		body := payload[2 : 2+int(payload[1])]
		cmd, err := unmarshalOne(t, body)
		if err != nil {
			return nil, err
		}
		ret.Commands = append(ret.Commands, cmd)
		payload = payload[2+len(body):]
	}
	return ret, nil
}

func unmarshalOne(t Type, data []byte) (Command, error) {
	switch t {
	case GET_STATUS:
		return UnmarshalGetStatus(data)
	case STOP_DELIVERY:
		return UnmarshalStopDelivery(data)
	case PROGRAM_INSULIN:
		return UnmarshalProgramInsulin(data)
	case PROGRAM_BASAL:
		return UnmarshalProgramBasal(data)
	case PROGRAM_TEMP_BASAL:
		return UnmarshalProgramTempBasal(data)
	case PROGRAM_BOLUS:
		return UnmarshalProgramBolus(data)
	}
	return nil, fmt.Errorf("unknown command type 0x%x: %x", t, data)
}
