package hub

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/doccache"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/presence"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/shared"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/delta"
)

var (
	documentUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_document_updates_total",
		Help: "Number of document updates processed by the coordinator",
	})
	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcasts_total",
		Help: "Number of frames fanned out to room participants",
	})
	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_rooms",
		Help: "Number of document rooms with at least one connection",
	})
)

// Conn is one participant connection as the coordinator sees it. Send must
// enqueue without blocking; a connection that cannot keep up drops frames
// rather than stalling the room.
type Conn interface {
	ID() string
	Send(payload []byte)
}

// Relay forwards room frames to sibling service instances. Nil disables
// cross-instance fan-out (standalone mode).
type Relay interface {
	Publish(groupKey string, payload []byte)
}

type connState struct {
	conn   Conn
	docID  string
	userID int64
}

// Coordinator orchestrates document rooms: join, delta propagation, cursor
// and comment fan-out, and leave with last-participant finalization. It
// wires the presence registry and the write-behind cache together.
type Coordinator struct {
	registry *presence.Registry
	cache    *doccache.Cache
	relay    Relay

	mu     sync.RWMutex
	groups map[string]map[string]Conn
	conns  map[string]*connState
}

func NewCoordinator(registry *presence.Registry, cache *doccache.Cache, relay Relay) *Coordinator {
	return &Coordinator{
		registry: registry,
		cache:    cache,
		relay:    relay,
		groups:   make(map[string]map[string]Conn),
		conns:    make(map[string]*connState),
	}
}

// Join adds the connection to the document room, registers presence
// (best-effort: a blob without identity is logged and skipped, the join
// continues), hydrates the cache and sends the joiner the authoritative
// content as a server-sourced full sync. A document the store does not know
// joins the room but gets no content frame; the error is returned for the
// transport layer to report.
func (c *Coordinator) Join(conn Conn, docID string, user *datamodel.UserInfo) error {
	groupKey := shared.GroupKey(docID)

	var userID int64
	if user.HasIdentity() {
		userID = user.ID
	}

	// A connection holds one association at a time. Joining a different
	// document first runs the full leave path for the previous one, so
	// its presence entry and cache entry never outlive the switch.
	c.mu.RLock()
	prev, rejoining := c.conns[conn.ID()]
	c.mu.RUnlock()
	if rejoining && prev.docID != docID {
		c.Leave(conn.ID(), prev.docID, prev.userID)
	}

	c.mu.Lock()
	group, ok := c.groups[groupKey]
	if !ok {
		group = make(map[string]Conn)
		c.groups[groupKey] = group
		activeRooms.Inc()
	}
	group[conn.ID()] = conn
	c.conns[conn.ID()] = &connState{conn: conn, docID: docID, userID: userID}
	c.mu.Unlock()

	c.registry.AddParticipant(docID, user)

	content, initErr := c.cache.Initialize(docID)

	joined := &datamodel.Envelope{Type: datamodel.EventUserJoined, User: user}
	c.sendToOthers(groupKey, conn.ID(), joined, true)

	snapshot := &datamodel.Envelope{
		Type:  datamodel.EventActiveUsers,
		Users: c.registry.ListOthers(docID, userID),
	}
	c.sendToCaller(conn, snapshot)

	if initErr != nil {
		if errors.Is(initErr, shared.ErrDocumentNotFound) {
			zap.S().Warnf("Join for unknown document %s by user %d", docID, userID)
		} else {
			zap.S().Errorf("Failed to initialize cache for document %s: %s", docID, initErr)
		}
		return initErr
	}

	fullSync := &datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: datamodel.ServerSenderID,
		Content:  content,
	}
	c.sendToCaller(conn, fullSync)

	zap.S().Infof("User %d joined document %s (connection %s)", userID, docID, conn.ID())
	return nil
}

// Update stores the new content in the write-behind cache and propagates it
// to every other participant, tagged with the originating user id so
// receivers can discard their own echo.
func (c *Coordinator) Update(senderConnID string, docID string, userID int64, content string, d *delta.Delta) {
	documentUpdates.Inc()

	if inCache := c.cache.Update(docID, content); inCache {
		zap.S().Infof("Updated document %s in cache (user %d)", docID, userID)
	} else {
		zap.S().Warnf("Document %s was not cached on update from user %d, wrote through", docID, userID)
	}

	update := &datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: userID,
		Content:  content,
		Delta:    d,
	}
	c.sendToOthers(shared.GroupKey(docID), senderConnID, update, true)
}

// SendCursorPosition is pure fan-out; the cursor blob is not interpreted
// and failures are not surfaced to the sender.
func (c *Coordinator) SendCursorPosition(senderConnID string, docID string, userID int64, user *datamodel.UserInfo, cursor []byte) {
	cur := &datamodel.Envelope{
		Type:   datamodel.EventCursorPosition,
		UserID: userID,
		User:   user,
		Cursor: cursor,
	}
	c.sendToOthers(shared.GroupKey(docID), senderConnID, cur, true)
}

// AddComment fans the comment out to the other room participants.
func (c *Coordinator) AddComment(senderConnID string, docID string, comment []byte) {
	c.sendToOthers(shared.GroupKey(docID), senderConnID, &datamodel.Envelope{
		Type:    datamodel.EventReceiveComment,
		Comment: comment,
	}, true)
}

// ResolveComment fans the resolution out to the other room participants.
func (c *Coordinator) ResolveComment(senderConnID string, docID string, commentID string) {
	c.sendToOthers(shared.GroupKey(docID), senderConnID, &datamodel.Envelope{
		Type:      datamodel.EventCommentResolved,
		CommentID: commentID,
	}, true)
}

// Leave removes the connection from the room and the participant from
// presence. When that leaves the room empty the cache entry is finalized
// synchronously before anyone is notified, so a fast rejoin hydrates a
// fully flushed document.
func (c *Coordinator) Leave(connID string, docID string, userID int64) {
	groupKey := shared.GroupKey(docID)

	c.mu.Lock()
	if group, ok := c.groups[groupKey]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(c.groups, groupKey)
			activeRooms.Dec()
		}
	}
	delete(c.conns, connID)
	c.mu.Unlock()

	if userID != 0 {
		c.registry.RemoveParticipant(docID, userID)
	}

	if c.registry.IsLastParticipant(docID) {
		c.cache.Finalize(docID)
	}

	c.sendToOthers(groupKey, connID, &datamodel.Envelope{
		Type:   datamodel.EventUserLeft,
		UserID: userID,
	}, true)

	zap.S().Infof("User %d left document %s (connection %s)", userID, docID, connID)
}

// Disconnect handles an abrupt connection loss: if the connection was
// associated with a document at join time the normal leave path runs,
// otherwise the connection just vanishes.
func (c *Coordinator) Disconnect(connID string) {
	c.mu.RLock()
	state, ok := c.conns[connID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.Leave(connID, state.docID, state.userID)
}

// DeliverRelayed re-broadcasts a frame that originated on a sibling
// instance to all local members of the group.
func (c *Coordinator) DeliverRelayed(groupKey string, payload []byte) {
	c.mu.RLock()
	group := c.groups[groupKey]
	targets := make([]Conn, 0, len(group))
	for _, conn := range group {
		targets = append(targets, conn)
	}
	c.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(payload)
		broadcasts.Inc()
	}
}

func (c *Coordinator) sendToOthers(groupKey string, excludeConnID string, e *datamodel.Envelope, relay bool) {
	payload, err := e.Encode()
	if err != nil {
		zap.S().Errorf("Failed to encode %s frame for %s: %s", e.Type, groupKey, err)
		return
	}

	c.mu.RLock()
	group := c.groups[groupKey]
	targets := make([]Conn, 0, len(group))
	for id, conn := range group {
		if id != excludeConnID {
			targets = append(targets, conn)
		}
	}
	c.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(payload)
		broadcasts.Inc()
	}

	if relay && c.relay != nil {
		c.relay.Publish(groupKey, payload)
	}
}

func (c *Coordinator) sendToCaller(conn Conn, e *datamodel.Envelope) {
	payload, err := e.Encode()
	if err != nil {
		zap.S().Errorf("Failed to encode %s frame for caller %s: %s", e.Type, conn.ID(), err)
		return
	}
	conn.Send(payload)
}
