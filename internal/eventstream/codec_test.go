package eventstream

import (
	"encoding/binary"
	"testing"
)

func encodeFrame(t *testing.T, headers []Header, payload []byte) []byte {
	t.Helper()
	var hbuf []byte
	for _, h := range headers {
		hbuf = append(hbuf, byte(len(h.Name)))
		hbuf = append(hbuf, h.Name...)
		hbuf = append(hbuf, 7)
		vlen := make([]byte, 2)
		binary.BigEndian.PutUint16(vlen, uint16(len(h.Value)))
		hbuf = append(hbuf, vlen...)
		hbuf = append(hbuf, h.Value...)
	}
	total := preludeLen + len(hbuf) + len(payload) + trailingLen
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(hbuf)))
	copy(buf[preludeLen:], hbuf)
	copy(buf[preludeLen+len(hbuf):], payload)
	return buf
}

func TestParseOneRoundTrip(t *testing.T) {
	payload := []byte(`{"content":"hello"}`)
	frame := encodeFrame(t, []Header{{Name: ":event-type", Value: "assistantResponseEvent"}}, payload)

	msg, n, err := ParseOne(frame)
	if err != nil {
		t.Fatalf("ParseOne error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed = %d, want %d", n, len(frame))
	}
	if msg.EventType() != "assistantResponseEvent" {
		t.Fatalf("event type = %q", msg.EventType())
	}
	if string(msg.Payload) != string(payload) {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestParseOneNeedMore(t *testing.T) {
	frame := encodeFrame(t, []Header{{Name: ":event-type", Value: "assistantResponseEvent"}}, []byte(`{}`))
	_, _, err := ParseOne(frame[:len(frame)-2])
	if err != ErrNeedMore {
		t.Fatalf("err = %v, want ErrNeedMore", err)
	}
}

func TestDecoderIncrementalMatchesBatch(t *testing.T) {
	f1 := encodeFrame(t, []Header{{Name: ":event-type", Value: "assistantResponseEvent"}}, []byte(`{"content":"a"}`))
	f2 := encodeFrame(t, []Header{{Name: ":event-type", Value: "assistantResponseEvent"}}, []byte(`{"content":"b"}`))
	all := append(append([]byte{}, f1...), f2...)

	var batch Decoder
	batchMsgs, err := batch.Feed(all)
	if err != nil {
		t.Fatalf("batch feed error: %v", err)
	}

	var incr Decoder
	var incrMsgs []Message
	for i := 0; i < len(all); i++ {
		msgs, err := incr.Feed(all[i : i+1])
		if err != nil {
			t.Fatalf("incremental feed error: %v", err)
		}
		incrMsgs = append(incrMsgs, msgs...)
	}

	if len(batchMsgs) != len(incrMsgs) || len(batchMsgs) != 2 {
		t.Fatalf("got %d batch / %d incremental messages, want 2/2", len(batchMsgs), len(incrMsgs))
	}
	for i := range batchMsgs {
		if string(batchMsgs[i].Payload) != string(incrMsgs[i].Payload) {
			t.Fatalf("message %d payload mismatch: %q vs %q", i, batchMsgs[i].Payload, incrMsgs[i].Payload)
		}
	}
}

func TestToEventToolUseLifecycle(t *testing.T) {
	start := Message{Headers: []Header{{Name: ":event-type", Value: "toolUseEvent"}}, Payload: []byte(`{"toolUseId":"t1","name":"bash","input":""}`)}
	ev, ok := ToEvent(start)
	if !ok || ev.Kind != EventToolUse || ev.ToolUseID != "t1" || ev.ToolName != "bash" {
		t.Fatalf("unexpected start event: %+v ok=%v", ev, ok)
	}

	input := Message{Headers: []Header{{Name: ":event-type", Value: "toolUseEvent"}}, Payload: []byte(`{"toolUseId":"t1","input":"{\"a\":1}"}`)}
	ev, ok = ToEvent(input)
	if !ok || ev.Kind != EventToolUseInput {
		t.Fatalf("unexpected input event: %+v ok=%v", ev, ok)
	}

	stop := Message{Headers: []Header{{Name: ":event-type", Value: "toolUseEvent"}}, Payload: []byte(`{"toolUseId":"t1","stop":true}`)}
	ev, ok = ToEvent(stop)
	if !ok || ev.Kind != EventToolUseStop || !ev.ToolStopped {
		t.Fatalf("unexpected stop event: %+v ok=%v", ev, ok)
	}
}

func TestToEventUnknownTypeSkipped(t *testing.T) {
	msg := Message{Headers: []Header{{Name: ":event-type", Value: "somethingNew"}}, Payload: []byte(`{}`)}
	if _, ok := ToEvent(msg); ok {
		t.Fatalf("expected unknown event type to be skipped")
	}
}
