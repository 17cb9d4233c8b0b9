package protocol

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// TestParseMessage verifies each server message type decodes
func TestParseMessage(t *testing.T) {
	tests := []struct {
		raw     string
		msgType MessageType
	}{
		{`{"type":"reload"}`, MsgReload},
		{`{"type":"update","url":"/a.js","bubbled":true}`, MsgUpdate},
		{`{"type":"error","title":"Build Error","errorMessage":"boom"}`, MsgError},
		{`{"type":"connected"}`, MessageType("connected")},
	}

	for _, tt := range tests {
		msg, err := ParseMessage([]byte(tt.raw))
		if err != nil {
			t.Errorf("ParseMessage(%s) error: %v", tt.raw, err)
			continue
		}
		if msg.Type != tt.msgType {
			t.Errorf("ParseMessage(%s) type = %s, want %s", tt.raw, msg.Type, tt.msgType)
		}
	}
}

func TestParseMessageRejectsInvalid(t *testing.T) {
	for _, raw := range []string{``, `not json`, `{}`, `{"url":"/a.js"}`} {
		if _, err := ParseMessage([]byte(raw)); err == nil {
			t.Errorf("ParseMessage(%q) should fail", raw)
		}
	}
}

func TestUpdatePayload(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"update","url":"/src/app.js","bubbled":true}`))
	if err != nil {
		t.Fatalf("ParseMessage error: %v", err)
	}
	update := msg.AsUpdate()
	if update.URL != "/src/app.js" || !update.Bubbled {
		t.Errorf("AsUpdate() = %+v", update)
	}
}

func TestErrorPayload(t *testing.T) {
	raw := `{"type":"error","title":"Build Error","fileLoc":"/a.js:3:1","errorMessage":"unexpected token","errorStackTrace":"at a.js"}`
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage error: %v", err)
	}
	e := msg.AsError()
	if e.Title != "Build Error" || e.FileLoc != "/a.js:3:1" || e.ErrorMessage != "unexpected token" || e.ErrorStackTrace != "at a.js" {
		t.Errorf("AsError() = %+v", e)
	}

	again := NewError(e)
	if again.AsError() != e {
		t.Errorf("NewError(%+v).AsError() = %+v", e, again.AsError())
	}
}

// TestHotAcceptWireFormat verifies the client registration message shape
func TestHotAcceptWireFormat(t *testing.T) {
	data, err := NewHotAccept("/x/y.js").Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(fields) != 2 {
		t.Errorf("hotAccept should carry only type and id, got %v", fields)
	}
	if fields["type"] != "hotAccept" || fields["id"] != "/x/y.js" {
		t.Errorf("unexpected hotAccept encoding: %s", data)
	}
}

type recordingWriter struct {
	mu   sync.Mutex
	sent []*Message
	fail int // fail the write with this 1-based index
}

func (w *recordingWriter) write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 && len(w.sent)+1 == w.fail {
		w.fail = 0
		return errors.New("write failed")
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *recordingWriter) ids() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.sent))
	for i, m := range w.sent {
		ids[i] = m.ID
	}
	return ids
}

// TestOutboundQueueBuffersUntilOpen verifies FIFO flush on open
func TestOutboundQueueBuffersUntilOpen(t *testing.T) {
	q := NewOutboundQueue()
	w := &recordingWriter{}

	q.Send(NewHotAccept("/a.js"))
	q.Send(NewHotAccept("/b.js"))
	q.Send(NewHotAccept("/c.js"))

	if q.IsOpen() {
		t.Error("queue should not be open before Open")
	}
	if q.PendingCount() != 3 {
		t.Errorf("PendingCount = %d, want 3", q.PendingCount())
	}

	if err := q.Open(w.write); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	q.Send(NewHotAccept("/d.js"))

	got := w.ids()
	want := []string{"/a.js", "/b.js", "/c.js", "/d.js"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount after open = %d", q.PendingCount())
	}
}

// TestOutboundQueueFlushesOnce verifies a second Open never resends
func TestOutboundQueueFlushesOnce(t *testing.T) {
	q := NewOutboundQueue()
	w := &recordingWriter{}

	q.Send(NewHotAccept("/a.js"))
	q.Open(w.write)
	q.Open(w.write)

	if n := len(w.ids()); n != 1 {
		t.Errorf("message sent %d times, want 1", n)
	}
}

func TestOutboundQueueFailedFlushKeepsRemainder(t *testing.T) {
	q := NewOutboundQueue()
	w := &recordingWriter{fail: 2}

	q.Send(NewHotAccept("/a.js"))
	q.Send(NewHotAccept("/b.js"))
	q.Send(NewHotAccept("/c.js"))

	if err := q.Open(w.write); err == nil {
		t.Fatal("Open should report the write failure")
	}
	if q.IsOpen() {
		t.Error("queue should stay closed after a failed flush")
	}
	if q.PendingCount() != 2 {
		t.Errorf("PendingCount = %d, want 2", q.PendingCount())
	}

	if err := q.Open(w.write); err != nil {
		t.Fatalf("second Open error: %v", err)
	}
	got := w.ids()
	if len(got) != 3 || got[0] != "/a.js" || got[1] != "/b.js" || got[2] != "/c.js" {
		t.Errorf("sent %v", got)
	}
}

func TestOutboundQueueConcurrentSends(t *testing.T) {
	q := NewOutboundQueue()
	w := &recordingWriter{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Send(NewHotAccept("/m.js"))
		}()
		if i == 25 {
			q.Open(w.write)
		}
	}
	wg.Wait()

	if n := len(w.ids()); n != 50 {
		t.Errorf("sent %d messages, want 50", n)
	}
}

func TestOutboundQueueClose(t *testing.T) {
	q := NewOutboundQueue()
	q.Send(NewHotAccept("/a.js"))
	q.Close()

	if err := q.Send(NewHotAccept("/b.js")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Send after Close = %v, want ErrQueueClosed", err)
	}
	if q.PendingCount() != 0 {
		t.Error("Close should drop buffered messages")
	}
}
