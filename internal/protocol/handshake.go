package protocol

import (
	"encoding/json"
	"time"
)

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Auth        AuthParams `json:"auth"`
}

// ClientInfo describes this client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK is the handshake result returned by a successful connect.
type HelloOK struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Auth     *HelloAuth `json:"auth,omitempty"`
	Policy   Policy     `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists what the gateway advertises.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type Snapshot struct {
	Presence     []PresenceEntry `json:"presence"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

type PresenceEntry struct {
	ConnID      string   `json:"connId"`
	ClientID    string   `json:"clientId"`
	DisplayName string   `json:"displayName,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	Mode        string   `json:"mode"`
	Caps        []string `json:"caps"`
}

type HelloAuth struct {
	DeviceToken string   `json:"deviceToken"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
}

// Policy is the connection policy negotiated during the handshake.
type Policy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
}

// TickInterval returns the heartbeat interval, or zero when the gateway did
// not supply one.
func (p Policy) TickInterval() time.Duration {
	if p.TickIntervalMs <= 0 {
		return 0
	}
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// HasMethod reports whether the gateway advertised method.
func (f Features) HasMethod(method string) bool {
	for _, m := range f.Methods {
		if m == method {
			return true
		}
	}
	return false
}
