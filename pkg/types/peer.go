package types

// AppInfo identifies a live application instance
type AppInfo struct {
	AppID         string `json:"app_id" msgpack:"app_id"`
	AppInstanceID string `json:"app_instance_id" msgpack:"app_instance_id"`
}

// Endpoint returns the endpoint addressing the whole instance
func (a AppInfo) Endpoint() Endpoint {
	return Endpoint{AppID: a.AppID, AppInstanceID: a.AppInstanceID}
}

// JoinPeerMessage is sent by a starting member to the root's inbound channel
type JoinPeerMessage struct {
	AppInstanceID string `json:"app_instance_id" msgpack:"app_instance_id"`
	AppID         string `json:"app_id,omitempty" msgpack:"app_id,omitempty"`
}

// PeersChangedMessage carries the full live membership as seen by the sender
type PeersChangedMessage struct {
	AppInstanceID string    `json:"app_instance_id" msgpack:"app_instance_id"`
	Apps          []AppInfo `json:"apps" msgpack:"apps"`
}

// UnregisterPeerMessage is broadcast by a peer that is shutting down
type UnregisterPeerMessage struct {
	AppInstanceID string `json:"app_instance_id" msgpack:"app_instance_id"`
	InputPipeName string `json:"input_pipe_name,omitempty" msgpack:"input_pipe_name,omitempty"`
	ServerName    string `json:"server_name,omitempty" msgpack:"server_name,omitempty"`
}
