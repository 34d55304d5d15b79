package response

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/avereha/podmanager/pkg/crc"

	log "github.com/sirupsen/logrus"
)

type Type byte

const (
	DETAILED_STATUS Type = 0x02
	ERROR           Type = 0x06
	STATUS          Type = 0x1d
)

const blockPrefix = "0.0="

var ErrCRCMismatch = errors.New("response block CRC mismatch")

type Response interface {
	Marshal() ([]byte, error)
	GetType() Type
}

// Block is what the pod sends back for one command block
type Block struct {
	ID        []byte // 4 bytes
	Seq       uint8
	Responses []Response
}

// Status returns the first status-like response of the block
func (b *Block) Status() (*StatusResponse, bool) {
	for _, rsp := range b.Responses {
		switch r := rsp.(type) {
		case *StatusResponse:
			return r, true
		case *DetailedStatusResponse:
			return r.StatusResponse(), true
		}
	}
	return nil, false
}

// Rejection returns the error response of the block, if the pod rejected the commands
func (b *Block) Rejection() (*ErrorResponse, bool) {
	for _, rsp := range b.Responses {
		if r, ok := rsp.(*ErrorResponse); ok {
			return r, true
		}
	}
	return nil, false
}

func (b *Block) Marshal() ([]byte, error) {
	var payload bytes.Buffer
	for _, rsp := range b.Responses {
		data, err := rsp.Marshal()
		if err != nil {
			return nil, err
		}
		payload.Write(data)
	}
	body, err := withHeaderAndCRC(b.ID, b.Seq, payload.Bytes())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(blockPrefix)
	buf.WriteByte(byte(len(body) >> 8))
	buf.WriteByte(byte(len(body)))
	buf.Write(body)
	log.Tracef("response block: %x", buf.Bytes())
	return buf.Bytes(), nil
}

func withHeaderAndCRC(id []byte, seq uint8, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if len(id) != 4 {
		return nil, fmt.Errorf("block id should be 4 bytes, got: %x", id)
	}
	buf.Write(id)
	header := uint16(seq&0x0f)<<10 | uint16(len(payload))&0x03ff
	buf.WriteByte(byte(header >> 8))
	buf.WriteByte(byte(header))
	buf.Write(payload)
	buf.Write(crc.CRC16(buf.Bytes()))
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Block, error) {
	n := len(data)
	if n < len(blockPrefix)+2+8 {
		return nil, fmt.Errorf("response block is too short: %x", data)
	}
	if string(data[:len(blockPrefix)]) != blockPrefix {
		return nil, fmt.Errorf("response block should start with %s: %x", blockPrefix, data)
	}
	l := int(data[4])<<8 | int(data[5])
	if l != n-6 {
		return nil, fmt.Errorf("invalid response block length: %d :: %d :: %x", l, n-6, data)
	}
	data = data[6:]
	n = len(data)

	sum := crc.CRC16(data[:n-2])
	if !bytes.Equal(sum, data[n-2:]) {
		return nil, fmt.Errorf("%w: %x, want %x", ErrCRCMismatch, data[n-2:], sum)
	}
	header := uint16(data[4])<<8 | uint16(data[5])
	length := int(header & 0x03ff)
	if length+6+2 != n {
		return nil, fmt.Errorf("invalid response length %d :: %d. %x", n, length+6+2, data)
	}

	ret := &Block{
		ID:  append([]byte(nil), data[:4]...),
		Seq: uint8(header>>10) & 0x0f,
	}
	payload := data[6 : n-2]
	for len(payload) > 0 {
		rsp, size, err := unmarshalOne(payload)
		if err != nil {
			return nil, err
		}
		ret.Responses = append(ret.Responses, rsp)
		payload = payload[size:]
	}
	return ret, nil
}

func unmarshalOne(data []byte) (Response, int, error) {
	t := Type(data[0])
	if t == STATUS {
		if len(data) < statusLength {
			return nil, 0, fmt.Errorf("status response is too short: %x", data)
		}
		rsp, err := UnmarshalStatusResponse(data[:statusLength])
		return rsp, statusLength, err
	}
	if len(data) < 2 || len(data) < int(data[1])+2 {
		return nil, 0, fmt.Errorf("response 0x%x is truncated: %x", t, data)
	}
	size := int(data[1]) + 2
	var (
		rsp Response
		err error
	)
	switch t {
	case DETAILED_STATUS:
		rsp, err = UnmarshalDetailedStatusResponse(data[:size])
	case ERROR:
		rsp, err = UnmarshalErrorResponse(data[:size])
	default:
		return nil, 0, fmt.Errorf("unknown response type 0x%x: %x", t, data)
	}
	return rsp, size, err
}
