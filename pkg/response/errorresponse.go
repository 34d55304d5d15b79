package response

import (
	"fmt"
)

type ErrorCode byte

const (
	ErrorInvalidCommand ErrorCode = 0x07
	ErrorBadNonce       ErrorCode = 0x14
	ErrorPodSuspended   ErrorCode = 0x1a
	ErrorBolusActive    ErrorCode = 0x1b
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidCommand:
		return "invalid command"
	case ErrorBadNonce:
		return "bad nonce"
	case ErrorPodSuspended:
		return "pod suspended"
	case ErrorBolusActive:
		return "bolus active"
	}
	return fmt.Sprintf("error 0x%02x", byte(c))
}

// ErrorResponse is the pod's rejection of a command block: 06 03 EE DDDD
type ErrorResponse struct {
	Code   ErrorCode
	Detail uint16
}

func (r *ErrorResponse) GetType() Type {
	return ERROR
}

func (r *ErrorResponse) Marshal() ([]byte, error) {
	return []byte{byte(ERROR), 0x03, byte(r.Code), byte(r.Detail >> 8), byte(r.Detail)}, nil
}

func UnmarshalErrorResponse(data []byte) (*ErrorResponse, error) {
	if len(data) != 5 || Type(data[0]) != ERROR || data[1] != 0x03 {
		return nil, fmt.Errorf("invalid error response: %x", data)
	}
	return &ErrorResponse{
		Code:   ErrorCode(data[2]),
		Detail: uint16(data[3])<<8 | uint16(data[4]),
	}, nil
}
