package syncclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/delta"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []*datamodel.Envelope
}

func (r *frameRecorder) record(payload []byte) error {
	e, err := datamodel.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, e)
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) byType(frameType string) []*datamodel.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datamodel.Envelope
	for _, e := range r.frames {
		if e.Type == frameType {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, callbacks Callbacks) (*Engine, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	e := newEngine(&datamodel.UserInfo{ID: 7, Name: "carol"}, callbacks)
	e.sendFrame = rec.record
	e.debounceAfter = 20 * time.Millisecond
	return e, rec
}

func TestSendsAreSerialized(t *testing.T) {
	// A websocket connection tolerates exactly one writer. The debounce
	// timer sends on its own goroutine while cursor traffic sends on the
	// caller's, so the engine must never let two sends overlap.
	var inFlight, overlaps int32
	e := newEngine(&datamodel.UserInfo{ID: 7, Name: "carol"}, Callbacks{})
	e.sendFrame = func([]byte) error {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	e.debounceAfter = time.Millisecond
	require.NoError(t, e.Join("D"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			e.SetContent(fmt.Sprintf("draft %d", i))
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			e.SendCursor([]byte(`{"anchor":1}`))
		}
	}()
	wg.Wait()
	e.SyncNow()

	assert.Zero(t, atomic.LoadInt32(&overlaps))
}

func TestJoinSendsJoinFrame(t *testing.T) {
	e, rec := newTestEngine(t, Callbacks{})

	require.NoError(t, e.Join("D"))
	joins := rec.byType(datamodel.OpJoinDocument)
	require.Len(t, joins, 1)
	assert.Equal(t, "D", joins[0].DocID)
	assert.Equal(t, int64(7), joins[0].User.ID)
}

func TestDebouncedEditSendsSingleDelta(t *testing.T) {
	e, rec := newTestEngine(t, Callbacks{})
	require.NoError(t, e.Join("D"))

	// Three keystrokes inside the debounce window collapse into one frame.
	e.SetContent("H")
	e.SetContent("He")
	e.SetContent("Hello")

	assert.Eventually(t, func() bool {
		return len(rec.byType(datamodel.OpUpdateDocument)) == 1
	}, time.Second, 5*time.Millisecond)

	update := rec.byType(datamodel.OpUpdateDocument)[0]
	assert.Equal(t, "Hello", update.Content)
	require.NotNil(t, update.Delta)
	assert.Equal(t, "Hello", update.Delta.Added)
	assert.Equal(t, int64(7), update.UserID)
}

func TestSyncNowBypassesDebounce(t *testing.T) {
	e, rec := newTestEngine(t, Callbacks{})
	require.NoError(t, e.Join("D"))

	e.SetContent("pasted content")
	e.SyncNow()

	updates := rec.byType(datamodel.OpUpdateDocument)
	require.Len(t, updates, 1)
	assert.Equal(t, "pasted content", updates[0].Content)

	// Nothing pending afterwards: another SyncNow is a no-op.
	e.SyncNow()
	assert.Len(t, rec.byType(datamodel.OpUpdateDocument), 1)
}

func TestDeltaIsRelativeToLastBroadcast(t *testing.T) {
	e, rec := newTestEngine(t, Callbacks{})
	require.NoError(t, e.Join("D"))

	e.SetContent("Hello")
	e.SyncNow()
	e.SetContent("Hello World")
	e.SyncNow()

	updates := rec.byType(datamodel.OpUpdateDocument)
	require.Len(t, updates, 2)
	assert.Equal(t, " World", updates[1].Delta.Added)
	assert.Equal(t, 5, updates[1].Delta.PrefixLength)
}

func TestFullSyncReplacesBothBuffers(t *testing.T) {
	var got string
	e, rec := newTestEngine(t, Callbacks{
		OnRemoteUpdate: func(content string, senderID int64) { got = content },
	})
	require.NoError(t, e.Join("D"))

	frame, err := (&datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: datamodel.ServerSenderID,
		Content:  "server copy",
	}).Encode()
	require.NoError(t, err)
	e.handleFrame(frame)

	assert.Equal(t, "server copy", got)
	assert.Equal(t, "server copy", e.Content())

	// The full sync is the new baseline: no delta to send.
	e.SyncNow()
	assert.Empty(t, rec.byType(datamodel.OpUpdateDocument))
}

func TestRemoteDeltaAppliedToLiveBuffer(t *testing.T) {
	e, _ := newTestEngine(t, Callbacks{})
	require.NoError(t, e.Join("D"))

	full, _ := (&datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: datamodel.ServerSenderID,
		Content:  "Hello",
	}).Encode()
	e.handleFrame(full)

	d := delta.Compute("Hello", "Hello World")
	peer, _ := (&datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: 2,
		Content:  "Hello World",
		Delta:    &d,
	}).Encode()
	e.handleFrame(peer)

	assert.Equal(t, "Hello World", e.Content())
}

func TestOwnEchoIgnored(t *testing.T) {
	called := false
	e, _ := newTestEngine(t, Callbacks{
		OnRemoteUpdate: func(string, int64) { called = true },
	})
	require.NoError(t, e.Join("D"))
	e.SetContent("local state")

	d := delta.Compute("", "other")
	echo, _ := (&datamodel.Envelope{
		Type:     datamodel.EventReceiveDocumentUpdate,
		SenderID: 7, // our own id
		Content:  "other",
		Delta:    &d,
	}).Encode()
	e.handleFrame(echo)

	assert.False(t, called)
	assert.Equal(t, "local state", e.Content())
}

func TestPresenceCallbacks(t *testing.T) {
	var joined *datamodel.UserInfo
	var left int64
	e, _ := newTestEngine(t, Callbacks{
		OnUserJoined: func(u *datamodel.UserInfo) { joined = u },
		OnUserLeft:   func(id int64) { left = id },
	})

	j, _ := (&datamodel.Envelope{Type: datamodel.EventUserJoined, User: &datamodel.UserInfo{ID: 3, Name: "dave"}}).Encode()
	e.handleFrame(j)
	l, _ := (&datamodel.Envelope{Type: datamodel.EventUserLeft, UserID: 3}).Encode()
	e.handleFrame(l)

	require.NotNil(t, joined)
	assert.Equal(t, int64(3), joined.ID)
	assert.Equal(t, int64(3), left)
}

func TestLeaveFlushesPendingEdit(t *testing.T) {
	e, rec := newTestEngine(t, Callbacks{})
	require.NoError(t, e.Join("D"))

	e.SetContent("about to leave")
	require.NoError(t, e.Leave())

	updates := rec.byType(datamodel.OpUpdateDocument)
	require.Len(t, updates, 1)
	assert.Equal(t, "about to leave", updates[0].Content)
	assert.Len(t, rec.byType(datamodel.OpLeaveDocument), 1)
}

func TestAdjustCursorPath(t *testing.T) {
	// A paragraph was inserted above the cursor.
	assert.Equal(t, []int{3, 2}, AdjustCursorPath([]int{2, 2}, "a\nb", "a\nx\nb"))
	// A paragraph was removed.
	assert.Equal(t, []int{1, 0}, AdjustCursorPath([]int{2, 0}, "a\nx\nb", "a\nb"))
	// Clamped at the top.
	assert.Equal(t, []int{0}, AdjustCursorPath([]int{1}, "a\nb\nc", "a"))
	// Empty path passes through.
	assert.Empty(t, AdjustCursorPath(nil, "a", "b"))
}
