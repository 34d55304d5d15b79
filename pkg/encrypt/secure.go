package encrypt

import (
	"context"

	"github.com/avereha/podmanager/pkg/message"
	"github.com/avereha/podmanager/pkg/transport"
)

// SecureTransport wraps command blocks into encrypted envelopes before
// handing them to the underlying link. Responses are opened with the
// sequence of the request they answer.
type SecureTransport struct {
	next   transport.Transport
	cipher *Cipher
	pdmID  []byte
	podID  []byte
}

func NewSecureTransport(next transport.Transport, cipher *Cipher, pdmID, podID []byte) *SecureTransport {
	return &SecureTransport{
		next:   next,
		cipher: cipher,
		pdmID:  pdmID,
		podID:  podID,
	}
}

func (s *SecureTransport) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	msg := message.New(message.TypeEncrypted, s.pdmID, s.podID)
	seq := s.cipher.Seq()
	msg.SequenceNumber = uint8(seq)
	msg.Payload = data
	sealed, err := s.cipher.Seal(msg)
	if err != nil {
		return nil, &transport.Error{Op: "seal", Err: err}
	}
	rsp, err := s.next.SendAndReceive(ctx, sealed)
	if err != nil {
		if !transport.WasSent(err) {
			s.cipher.rewind(seq)
		}
		return nil, err
	}
	opened, err := s.cipher.Open(rsp, seq)
	if err != nil {
		return nil, &transport.Error{Op: "open", Sent: true, Err: err}
	}
	return opened.Payload, nil
}

// PodEndpoint is the pod side of SecureTransport: it opens requests, hands
// the clear payload to handler and seals the answer.
func PodEndpoint(cipher *Cipher, handler transport.Transport) transport.Transport {
	return transport.Func(func(ctx context.Context, data []byte) ([]byte, error) {
		seq := cipher.Seq()
		req, err := cipher.Open(data, seq)
		if err != nil {
			return nil, &transport.Error{Op: "open", Err: err}
		}
		rsp, err := handler.SendAndReceive(ctx, req.Payload)
		if err != nil {
			return nil, err
		}
		reply := req.Reply(rsp)
		return cipher.Seal(reply)
	})
}
