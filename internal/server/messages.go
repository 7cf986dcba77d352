package server

import "encoding/json"

// Wire message kinds shared by both directions of a room session. Presence
// kinds mirror the broadcaster's event names so a payload fans out unchanged.
const (
	messageKindInit       = "init"
	messageKindDocUpdate  = "doc-update"
	messageKindCursor     = "cursor"
	messageKindTyping     = "typing"
	messageKindSave       = "save"
	messageKindSaved      = "saved"
	messageKindPeerJoined = "peer-joined"
	messageKindPeerLeft   = "peer-left"
	messageKindError      = "error"
)

type clientEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type serverEnvelope struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

type initPayload struct {
	RoomCode    string          `json:"room_code"`
	PrincipalID string          `json:"principal_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	ReadOnly    bool            `json:"read_only"`
	Text        string          `json:"text"`
	StateB64    string          `json:"state_b64"`
	Members     []memberPayload `json:"members"`
}

type peerPayload struct {
	PrincipalID string         `json:"principal_id"`
	DisplayName string         `json:"display_name"`
	Data        map[string]any `json:"data,omitempty"`
}

type docUpdatePayload struct {
	PrincipalID string          `json:"principal_id,omitempty"`
	Fragment    json.RawMessage `json:"fragment"`
}

type errorPayload struct {
	Code string `json:"code"`
}
