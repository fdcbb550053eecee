package datamodel

import (
	"github.com/goccy/go-json"

	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/delta"
)

// ServerSenderID tags server-sourced full syncs so clients never mistake
// them for an echoed peer edit. Real user ids are always > 0.
const ServerSenderID int64 = 0

// Client-invokable operation names.
const (
	OpJoinDocument       = "JoinDocument"
	OpUpdateDocument     = "UpdateDocument"
	OpLeaveDocument      = "LeaveDocument"
	OpSendCursorPosition = "SendCursorPosition"
	OpAddComment         = "AddComment"
	OpResolveComment     = "ResolveComment"
)

// Events emitted to clients.
const (
	EventUserJoined            = "UserJoined"
	EventActiveUsers           = "ActiveUsers"
	EventReceiveDocumentUpdate = "ReceiveDocumentUpdate"
	EventUserLeft              = "UserLeft"
	EventCursorPosition        = "CursorPosition"
	EventReceiveComment        = "ReceiveComment"
	EventCommentResolved       = "CommentResolved"
)

// UserInfo identifies a participant. ID is the only field the server
// interprets; the rest is display metadata passed through to peers.
type UserInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Color  string `json:"color"`
}

// HasIdentity reports whether the blob carries a usable identity.
func (u *UserInfo) HasIdentity() bool {
	return u != nil && u.ID > 0
}

// Envelope is the wire frame for both directions. Unused fields are
// omitted on the wire, except Content: an empty document is a legal full
// sync and must survive the round trip.
type Envelope struct {
	Type      string          `json:"type"`
	DocID     string          `json:"docId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	SenderID  int64           `json:"senderId,omitempty"`
	User      *UserInfo       `json:"user,omitempty"`
	Users     []*UserInfo     `json:"users,omitempty"`
	Content   string          `json:"content"`
	Delta     *delta.Delta    `json:"delta,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Comment   json.RawMessage `json:"comment,omitempty"`
	CommentID string          `json:"commentId,omitempty"`
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
