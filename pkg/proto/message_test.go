package proto

import (
	"strings"
	"testing"
)

func TestAgentMsgRoundTrip(t *testing.T) {
	msg := NewAgentMsg(MsgTypeMESSAGE, "parent", "child-1", "status?")
	msg.SetMetadata(KeyCorrelationID, "c-1")

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	decoded, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Content != "status?" {
		t.Errorf("Unexpected decoded message: %+v", decoded)
	}
	if v, ok := decoded.GetMetadata(KeyCorrelationID); !ok || v != "c-1" {
		t.Errorf("Expected correlation id metadata, got %q", v)
	}
}

func TestValidate(t *testing.T) {
	msg := NewAgentMsg(MsgTypeRESULT, "child", "parent", "done")
	if err := msg.Validate(); err != nil {
		t.Errorf("Expected valid message: %v", err)
	}
	msg.Type = "BOGUS"
	if err := msg.Validate(); err == nil {
		t.Error("Expected invalid type error")
	}
	msg = NewAgentMsg(MsgTypeMESSAGE, "a", "", "x")
	if err := msg.Validate(); err == nil {
		t.Error("Expected missing recipient error")
	}
}

func TestRender(t *testing.T) {
	res := NewAgentMsg(MsgTypeRESULT, "child-9", "root", "42")
	if !strings.Contains(res.Render(), "Child child-9 finished") {
		t.Errorf("Unexpected render: %s", res.Render())
	}
	if mt, ok := ParseMsgType(" message "); !ok || mt != MsgTypeMESSAGE {
		t.Errorf("Expected MESSAGE, got %q", mt)
	}
}
