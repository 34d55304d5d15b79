package pair

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/jacobsa/crypto/cmac"
	log "github.com/sirupsen/logrus"
)

const (
	keyLength   = 32
	nonceLength = 16
)

// keys is what both sides derive from the exchanged publics and nonces
type keys struct {
	ltk     []byte
	pdmConf []byte // sent by the controller in SPS2
	podConf []byte // sent by the pod in SPS2
}

func newPrivateKey(random []byte) []byte {
	private := make([]byte, keyLength)
	copy(private, random)
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	return private
}

func sum(key []byte, parts ...[]byte) ([]byte, error) {
	h, err := cmac.New(key)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

func deriveKeys(private, peerPublic, podPublic, pdmPublic, podNonce, pdmNonce []byte) (*keys, error) {
	if len(podPublic) != keyLength || len(pdmPublic) != keyLength {
		return nil, fmt.Errorf("invalid public keys %x %x", podPublic, pdmPublic)
	}
	if len(podNonce) != nonceLength || len(pdmNonce) != nonceLength {
		return nil, fmt.Errorf("invalid nonces %x %x", podNonce, pdmNonce)
	}
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, err
	}

	var firstKey []byte
	firstKey = append(firstKey, podPublic[28:]...)
	firstKey = append(firstKey, pdmPublic[28:]...)
	firstKey = append(firstKey, podNonce[12:]...)
	firstKey = append(firstKey, pdmNonce[12:]...)
	intermediar, err := sum(firstKey, shared)
	if err != nil {
		return nil, err
	}
	log.Tracef("Intermediar key %x", intermediar)

	label := func(prefix byte) []byte {
		var buf bytes.Buffer
		buf.WriteByte(prefix)
		buf.WriteString("TWIt")
		buf.Write(podNonce)
		buf.Write(pdmNonce)
		buf.Write([]byte{0x00, 0x01})
		return buf.Bytes()
	}
	confKey, err := sum(intermediar, label(0x01))
	if err != nil {
		return nil, err
	}
	ret := &keys{}
	if ret.ltk, err = sum(intermediar, label(0x02)); err != nil {
		return nil, err
	}
	if ret.pdmConf, err = sum(confKey, []byte("KC_2_U"), pdmNonce, podNonce); err != nil {
		return nil, err
	}
	if ret.podConf, err = sum(confKey, []byte("KC_2_V"), podNonce, pdmNonce); err != nil {
		return nil, err
	}
	return ret, nil
}

func parseStringByte(expectedNames []string, data []byte) (map[string][]byte, error) {
	ret := make(map[string][]byte)
	for _, name := range expectedNames {
		n := len(name)
		if len(data) < n+2 || string(data[:n]) != name {
			return nil, fmt.Errorf("name not found %s in %x", name, data)
		}
		data = data[n:]
		length := int(data[0])<<8 | int(data[1])
		if len(data) < 2+length {
			return nil, fmt.Errorf("field %s is truncated: %x", name, data)
		}
		ret[name] = data[2 : 2+length]
		log.Tracef("Read field: %s :: %x :: %d", name, ret[name], len(ret[name]))
		data = data[2+length:]
	}
	return ret, nil
}

func buildStringByte(names []string, values map[string][]byte) []byte {
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(name)
		n := len(values[name])
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
		buf.Write(values[name])
	}
	return buf.Bytes()
}
