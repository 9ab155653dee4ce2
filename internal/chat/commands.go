// Package chat is the demo application on top of the message runtime:
// a chat room with login, broadcast messages, a shared userlist, and
// persistent history.
package chat

import (
	"time"

	"msgnet/protocol"
)

// Command ids of the chat protocol.
const (
	CmdLoginRequest    protocol.CommandID = 1
	CmdLoginResponse   protocol.CommandID = 2
	CmdLogoutRequest   protocol.CommandID = 3
	CmdLogoutResponse  protocol.CommandID = 4
	CmdMessageRequest  protocol.CommandID = 5
	CmdMessageResponse protocol.CommandID = 6
	CmdUserlistUpdate  protocol.CommandID = 7
	CmdHistoryRequest  protocol.CommandID = 8
	CmdHistoryResponse protocol.CommandID = 9
)

// Room is the group every logged-in user joins; message fan-out goes
// through it.
const Room = 1

// LoginRequest asks the server to join the room under a username.
type LoginRequest struct {
	protocol.Base
	Username string `json:"username"`
}

// LoginResponse acknowledges (or refuses) a login.
type LoginResponse struct {
	protocol.Base
	Success  bool              `json:"success"`
	UserID   protocol.ClientID `json:"userid"`
	Username string            `json:"username"`
	Reason   string            `json:"reason,omitempty"`
}

// LogoutRequest asks the server to leave the room.
type LogoutRequest struct {
	protocol.Base
}

// LogoutResponse confirms a logout.  The server also broadcasts it
// with its own id set to the departing user when shutting down.
type LogoutResponse struct {
	protocol.Base
	UserID protocol.ClientID `json:"userid"`
}

// MessageRequest carries a chat line from a client.
type MessageRequest struct {
	protocol.Base
	Text string `json:"text"`
}

// MessageResponse fans a chat line out to the room.
type MessageResponse struct {
	protocol.Base
	UserID    protocol.ClientID `json:"userid"`
	Username  string            `json:"username"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
}

// UserlistUpdate tells the room a user appeared or went away.
type UserlistUpdate struct {
	protocol.Base
	AddUser  bool              `json:"add_user"`
	UserID   protocol.ClientID `json:"userid"`
	Username string            `json:"username"`
}

// HistoryRequest asks for the last Limit stored messages.
type HistoryRequest struct {
	protocol.Base
	Limit int `json:"limit"`
}

// HistoryResponse returns stored messages, oldest first.
type HistoryResponse struct {
	protocol.Base
	Messages []StoredMessage `json:"messages"`
}
