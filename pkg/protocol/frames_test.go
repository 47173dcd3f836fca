package protocol

import (
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewCall(42, OpListMessages, ListMessagesArgs{RoomID: 7, Page: 2, PerPage: 50})
	if err != nil {
		t.Fatalf("NewCall failed: %v", err)
	}

	data, err := EncodeFrame(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Type != FrameCall {
		t.Fatalf("type mismatch: got %s", decoded.Type)
	}
	if decoded.ID != 42 {
		t.Fatalf("id mismatch: got %d", decoded.ID)
	}
	if decoded.Op != OpListMessages {
		t.Fatalf("op mismatch: got %s", decoded.Op)
	}

	var args ListMessagesArgs
	if err := json.Unmarshal(decoded.Data, &args); err != nil {
		t.Fatalf("args decode failed: %v", err)
	}
	if args.RoomID != 7 || args.Page != 2 || args.PerPage != 50 {
		t.Fatalf("args mismatch: %+v", args)
	}
}

func TestDecodeFrameRejectsMissingType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"id": 1}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestFrameSucceeded(t *testing.T) {
	ok := true
	notOK := false

	if !(&Frame{Type: FrameReply, OK: &ok}).Succeeded() {
		t.Fatal("expected reply with ok=true to succeed")
	}
	if (&Frame{Type: FrameReply, OK: &notOK}).Succeeded() {
		t.Fatal("expected reply with ok=false to fail")
	}
	if (&Frame{Type: FrameReply}).Succeeded() {
		t.Fatal("expected reply without ok to fail")
	}
}
