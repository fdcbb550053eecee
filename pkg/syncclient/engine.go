package syncclient

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/delta"
)

// DefaultDebounce is how long the engine waits after the last local edit
// before broadcasting a delta. Immediate actions (paste and the like) call
// SyncNow instead of waiting.
const DefaultDebounce = 500 * time.Millisecond

// Callbacks delivers server events to the embedding editor. Nil fields are
// skipped. Callbacks run on the engine's read goroutine.
type Callbacks struct {
	OnRemoteUpdate func(content string, senderID int64)
	OnActiveUsers  func(users []*datamodel.UserInfo)
	OnUserJoined   func(user *datamodel.UserInfo)
	OnUserLeft     func(userID int64)
	OnCursor       func(userID int64, user *datamodel.UserInfo, cursor []byte)
	OnComment      func(comment []byte)
}

// Engine is the client side of the collaboration protocol. It keeps two
// buffers, the live editor content and the last content it broadcast, and
// ships the delta between them after edits settle. Incoming peer deltas are
// applied onto the live buffer, which may itself have unsent local edits;
// the merge is then best-effort by design.
type Engine struct {
	user      *datamodel.UserInfo
	callbacks Callbacks

	mu            sync.Mutex
	docID         string
	liveContent   string
	lastBroadcast string
	debounce      *time.Timer
	debounceAfter time.Duration

	// sendMu serializes sendFrame calls: the debounce timer, SendCursor
	// and Join/Leave all write, and a websocket connection allows only
	// one writer at a time.
	sendMu    sync.Mutex
	sendFrame func(payload []byte) error

	conn      *websocket.Conn
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the collaboration endpoint and starts the read loop.
func Dial(url string, user *datamodel.UserInfo, callbacks Callbacks) (*Engine, error) {
	if !user.HasIdentity() {
		return nil, errors.New("user has no identity")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	e := newEngine(user, callbacks)
	e.conn = conn
	e.sendFrame = func(payload []byte) error {
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	go e.readLoop()
	return e, nil
}

func newEngine(user *datamodel.UserInfo, callbacks Callbacks) *Engine {
	return &Engine{
		user:          user,
		callbacks:     callbacks,
		debounceAfter: DefaultDebounce,
		done:          make(chan struct{}),
	}
}

// Join enters a document room. The server answers with the current
// participant list and a full content sync.
func (e *Engine) Join(docID string) error {
	e.mu.Lock()
	e.docID = docID
	e.mu.Unlock()

	return e.send(&datamodel.Envelope{
		Type:  datamodel.OpJoinDocument,
		DocID: docID,
		User:  e.user,
	})
}

// SetContent records a local edit and arms the debounce timer; the delta
// goes out once no further edit arrives within the debounce window.
func (e *Engine) SetContent(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.liveContent = text
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.debounceAfter, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.syncLocked()
	})
}

// SyncNow broadcasts the pending local edit immediately, bypassing the
// debounce. Used for paste, image insertion and similar bulk actions.
func (e *Engine) SyncNow() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.syncLocked()
}

// syncLocked sends (full content + delta) for the edit since the last
// broadcast. Caller holds e.mu.
func (e *Engine) syncLocked() {
	d := delta.Compute(e.lastBroadcast, e.liveContent)
	if d.IsEmpty() {
		return
	}

	err := e.send(&datamodel.Envelope{
		Type:    datamodel.OpUpdateDocument,
		DocID:   e.docID,
		UserID:  e.user.ID,
		Content: e.liveContent,
		Delta:   &d,
	})
	if err != nil {
		// Keep lastBroadcast as is; the next settle retransmits the
		// whole pending edit.
		zap.S().Warnf("Failed to send update for document %s: %s", e.docID, err)
		return
	}
	e.lastBroadcast = e.liveContent
}

// SendCursor broadcasts the local cursor blob to the room. Best-effort.
func (e *Engine) SendCursor(cursor []byte) {
	e.mu.Lock()
	docID := e.docID
	e.mu.Unlock()

	err := e.send(&datamodel.Envelope{
		Type:   datamodel.OpSendCursorPosition,
		DocID:  docID,
		UserID: e.user.ID,
		User:   e.user,
		Cursor: cursor,
	})
	if err != nil {
		zap.S().Debugf("Failed to send cursor for document %s: %s", docID, err)
	}
}

// Leave exits the document room, flushing any pending local edit first.
func (e *Engine) Leave() error {
	e.SyncNow()

	e.mu.Lock()
	docID := e.docID
	e.docID = ""
	e.mu.Unlock()

	return e.send(&datamodel.Envelope{Type: datamodel.OpLeaveDocument, DocID: docID})
}

// Content returns the live editor buffer.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveContent
}

// Close tears the connection down.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.conn != nil {
			_ = e.conn.Close()
		}
	})
}

func (e *Engine) send(envelope *datamodel.Envelope) error {
	payload, err := envelope.Encode()
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.sendFrame(payload)
}

func (e *Engine) readLoop() {
	defer e.Close()
	for {
		_, payload, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
			default:
				zap.S().Debugf("Connection closed: %s", err)
			}
			return
		}
		e.handleFrame(payload)
	}
}

func (e *Engine) handleFrame(payload []byte) {
	env, err := datamodel.DecodeEnvelope(payload)
	if err != nil {
		zap.S().Warnf("Dropping malformed frame: %s", err)
		return
	}

	switch env.Type {
	case datamodel.EventReceiveDocumentUpdate:
		e.applyRemoteUpdate(env)
	case datamodel.EventActiveUsers:
		if e.callbacks.OnActiveUsers != nil {
			e.callbacks.OnActiveUsers(env.Users)
		}
	case datamodel.EventUserJoined:
		if e.callbacks.OnUserJoined != nil {
			e.callbacks.OnUserJoined(env.User)
		}
	case datamodel.EventUserLeft:
		if e.callbacks.OnUserLeft != nil {
			e.callbacks.OnUserLeft(env.UserID)
		}
	case datamodel.EventCursorPosition:
		if e.callbacks.OnCursor != nil {
			e.callbacks.OnCursor(env.UserID, env.User, env.Cursor)
		}
	case datamodel.EventReceiveComment:
		if e.callbacks.OnComment != nil {
			e.callbacks.OnComment(env.Comment)
		}
	case datamodel.EventCommentResolved:
		// Comment bookkeeping lives outside the sync engine.
	default:
		zap.S().Debugf("Ignoring frame of type %q", env.Type)
	}
}

// applyRemoteUpdate merges a peer edit (or server full sync) into the live
// buffer. The engine's own echoed edits are discarded by sender id.
func (e *Engine) applyRemoteUpdate(env *datamodel.Envelope) {
	if env.SenderID == e.user.ID {
		return
	}

	e.mu.Lock()
	if env.SenderID == datamodel.ServerSenderID || env.Delta == nil {
		// Authoritative full sync replaces both buffers.
		e.liveContent = env.Content
		e.lastBroadcast = env.Content
	} else {
		merged := delta.Apply(e.liveContent, *env.Delta)
		e.liveContent = merged
		e.lastBroadcast = merged
	}
	content := e.liveContent
	e.mu.Unlock()

	if e.callbacks.OnRemoteUpdate != nil {
		e.callbacks.OnRemoteUpdate(content, env.SenderID)
	}
}
