package wsproto

import (
	"encoding/json"
	"testing"
)

func TestDecodeCall(t *testing.T) {
	m, err := Decode([]byte(`{"type":"call","uniqueId":"u-1","action":"/whoami","payload":{"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeCall || m.UniqueID != "u-1" || m.Action != "/whoami" {
		t.Fatalf("frame = %+v", m)
	}
}

func TestDecodeAssignsUniqueID(t *testing.T) {
	m, err := Decode([]byte(`{"type":"open"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.UniqueID == "" {
		t.Fatal("uniqueId not assigned")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"subscribe","uniqueId":"u"}`)); err == nil {
		t.Fatal("unknown type accepted")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("malformed frame accepted")
	}
}

func TestErrorResponseEnvelope(t *testing.T) {
	req := &Message{Type: TypeCall, UniqueID: "u-9", Action: "/thing"}
	resp := ErrorResponse(req, 404, "Not found.")
	if resp.Type != TypeCallError || resp.UniqueID != "u-9" {
		t.Fatalf("resp = %+v", resp)
	}
	var env struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != 404 || env.Error.Message != "Not found." {
		t.Fatalf("envelope = %+v", env)
	}
}
