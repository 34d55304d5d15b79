package manager

import (
	"fmt"
	"time"

	"github.com/avereha/podmanager/pkg/pod"
	"github.com/avereha/podmanager/pkg/transport"
)

const connectionKey = "connection"

// RawState is the blob the host persists: the pod state plus the connection settings
func (m *Manager) RawState() (map[string]interface{}, error) {
	ret, err := m.comms.State().RawState()
	if err != nil {
		return nil, err
	}
	ret[connectionKey] = map[string]interface{}{
		"address": m.connection.Address,
		"timeout": m.connection.Timeout.String(),
	}
	return ret, nil
}

// NewFromRawState restores a manager from RawState. It fails when the pod
// state is incomplete; the connection settings are optional.
func NewFromRawState(raw map[string]interface{}, t transport.Transport, sink Sink, opts ...Option) (*Manager, error) {
	state, err := pod.NewStateFromRaw(withoutKey(raw, connectionKey))
	if err != nil {
		return nil, err
	}
	if c, ok := raw[connectionKey]; ok {
		connection, err := parseConnection(c)
		if err != nil {
			return nil, err
		}
		opts = append([]Option{WithConnection(connection)}, opts...)
	}
	return New(*state, t, sink, opts...)
}

func (m *Manager) Connection() Connection {
	return m.connection
}

func withoutKey(raw map[string]interface{}, key string) map[string]interface{} {
	ret := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k != key {
			ret[k] = v
		}
	}
	return ret
}

func parseConnection(v interface{}) (Connection, error) {
	fields, ok := v.(map[string]interface{})
	if !ok {
		return Connection{}, fmt.Errorf("invalid %s: %v", connectionKey, v)
	}
	var ret Connection
	if address, ok := fields["address"].(string); ok {
		ret.Address = address
	}
	if timeout, ok := fields["timeout"].(string); ok && timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return Connection{}, fmt.Errorf("invalid %s timeout: %w", connectionKey, err)
		}
		ret.Timeout = d
	}
	return ret, nil
}
