package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func record(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(ctx, "event")

	out := map[string]any{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log output: %v", err)
	}
	return out
}

func TestHandlerAddsRequestGroup(t *testing.T) {
	ctx := WithRequestData(context.Background(), &RequestData{
		RequestID: "r-1",
		Method:    "GET",
		Path:      "/api/v1/whoami",
	})

	out := record(t, ctx)
	req, ok := out["req"].(map[string]any)
	if !ok {
		t.Fatalf("no req group: %v", out)
	}
	if req["id"] != "r-1" || req["path"] != "/api/v1/whoami" {
		t.Fatalf("req group = %v", req)
	}
}

func TestHandlerAddsSessionAndQueryGroups(t *testing.T) {
	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s-1", Scheme: "basic"})
	ctx = WithQueryData(ctx, &QueryData{QueryID: "q-1", Path: "/whoami", Kind: "websocket"})

	out := record(t, ctx)
	sess, ok := out["sess"].(map[string]any)
	if !ok || sess["id"] != "s-1" || sess["scheme"] != "basic" {
		t.Fatalf("sess group = %v", out)
	}
	query, ok := out["query"].(map[string]any)
	if !ok || query["id"] != "q-1" || query["kind"] != "websocket" {
		t.Fatalf("query group = %v", out)
	}
}

func TestHandlerBareContext(t *testing.T) {
	out := record(t, context.Background())
	for _, group := range []string{"req", "sess", "query"} {
		if _, present := out[group]; present {
			t.Fatalf("unexpected %s group: %v", group, out)
		}
	}
}
