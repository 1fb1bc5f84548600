// network/protocol.go
package network

// 消息ID
const (
	MsgTypeHeartbeat = 1

	MsgTypeJoinRoom   = 101
	MsgTypeLeaveRoom  = 102
	MsgTypeCreateRoom = 103
	MsgTypeSetGame    = 104
	MsgTypeWelcome    = 105

	MsgTypeActionSubmit = 201

	MsgTypeStateBroadcast = 301
	MsgTypeRosterUpdate   = 302

	MsgTypeError = 401
)

// MsgName returns a metrics label for msgID.
func MsgName(msgID uint16) string {
	switch msgID {
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeJoinRoom:
		return "join"
	case MsgTypeLeaveRoom:
		return "leave"
	case MsgTypeCreateRoom:
		return "create"
	case MsgTypeSetGame:
		return "set-game"
	case MsgTypeWelcome:
		return "welcome"
	case MsgTypeActionSubmit:
		return "action-submit"
	case MsgTypeStateBroadcast:
		return "state-broadcast"
	case MsgTypeRosterUpdate:
		return "roster-update"
	case MsgTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Welcome is the first message a peer receives; it carries the participant
// ID the relay stamps on everything the peer sends.
type Welcome struct {
	ParticipantID string `json:"participantId"`
}

type CreateRoom struct {
	RoomID      string `json:"roomId,omitempty"`
	GameType    string `json:"gameType"`
	DisplayName string `json:"displayName"`
}

type JoinRoom struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	Spectator   bool   `json:"spectator,omitempty"`
}

// SetGame switches the room's game type. Owner only.
type SetGame struct {
	GameType string `json:"gameType"`
}

// 错误码
const (
	ErrCodeBadRequest = 400
	ErrCodeForbidden  = 403
	ErrCodeNotFound   = 404
	ErrCodeConflict   = 409
	ErrCodeShutdown   = 503
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
