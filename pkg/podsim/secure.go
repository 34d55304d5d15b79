package podsim

import (
	"context"
	"fmt"

	"github.com/avereha/podmanager/pkg/eap"
	"github.com/avereha/podmanager/pkg/encrypt"
	"github.com/avereha/podmanager/pkg/message"
	"github.com/avereha/podmanager/pkg/pair"
	"github.com/avereha/podmanager/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// secureLink answers pairing, session establishment and encrypted traffic
type secureLink struct {
	ltk     []byte
	pairing *pair.Responder
	session *eap.Responder
	secure  transport.Transport
}

// WithLTK makes the pod behave as already paired with ltk
func WithLTK(ltk []byte) Option {
	return func(p *Pod) {
		p.link = &secureLink{ltk: ltk}
	}
}

func (p *Pod) handleMessage(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := message.Unmarshal(data)
	if err != nil {
		return nil, &transport.Error{Op: "receive", Sent: true, Err: err}
	}
	p.mtx.Lock()
	if p.link == nil {
		p.link = &secureLink{}
	}
	link := p.link
	p.mtx.Unlock()

	var reply *message.Message
	switch msg.Type {
	case message.TypePairing:
		if link.pairing == nil {
			link.pairing = pair.NewResponder()
		}
		reply, err = link.pairing.Handle(msg)
		if ltk, ltkErr := link.pairing.LTK(); ltkErr == nil {
			log.Infof("podsim: paired")
			link.ltk = ltk
		}
	case message.TypeSessionEstablishment:
		if link.ltk == nil {
			return nil, &transport.Error{Op: "receive", Sent: true, Err: fmt.Errorf("session establishment before pairing")}
		}
		if link.session == nil {
			link.session = eap.NewResponder(link.ltk)
		}
		reply, err = link.session.Handle(msg)
		if session := link.session.Session(); err == nil && session != nil {
			cipher, cipherErr := encrypt.NewCipher(encrypt.Pod, session.CK, session.NoncePrefix, 0)
			if cipherErr != nil {
				return nil, cipherErr
			}
			link.secure = encrypt.PodEndpoint(cipher, transport.Func(p.handleBlock))
			link.session = nil
			log.Infof("podsim: session established")
		}
	case message.TypeEncrypted:
		if link.secure == nil {
			return nil, &transport.Error{Op: "receive", Sent: true, Err: fmt.Errorf("encrypted message without a session")}
		}
		return link.secure.SendAndReceive(ctx, data)
	default:
		err = fmt.Errorf("unexpected %s message", msg.Type)
	}
	if err != nil {
		return nil, &transport.Error{Op: "receive", Sent: true, Err: err}
	}
	return reply.Marshal()
}
