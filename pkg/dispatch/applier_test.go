package dispatch

import (
	"context"
	"errors"
	"testing"

	"threadlane/pkg/bus"
	"threadlane/pkg/metrics"
)

func createCmd(conversationID, messageID string) bus.OutgoingCommand {
	return bus.OutgoingCommand{
		Kind:           bus.CommandCreateMessage,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        "hello",
		Author:         "Assistant",
	}
}

func TestApplierPrefersLiveSession(t *testing.T) {
	live := &recordingSession{}
	st := &recordingStore{}
	a := NewApplier(staticResolver{"conv": live}, st, nil)

	path, err := a.Apply(context.Background(), createCmd("conv", "m1"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if path != metrics.PathLive {
		t.Fatalf("path = %q, want live", path)
	}
	if len(live.commands()) != 1 {
		t.Fatalf("live commands = %d, want 1", len(live.commands()))
	}
	if st.begun != 0 || st.createdCount() != 0 {
		t.Fatalf("store touched: begun=%d created=%d", st.begun, st.createdCount())
	}
}

func TestApplierFallsBackToStoreWithinRequestScope(t *testing.T) {
	st := &recordingStore{}
	a := NewApplier(staticResolver{}, st, nil)
	ctx := context.Background()

	cmds := []bus.OutgoingCommand{
		createCmd("conv", "m1"),
		{Kind: bus.CommandUpdateToolStep, ConversationID: "conv", MessageID: "t1", Author: bus.ThoughtName, Content: "done"},
		{Kind: bus.CommandDelete, ConversationID: "conv", MessageID: "m1"},
	}
	for _, cmd := range cmds {
		path, err := a.Apply(ctx, cmd)
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", cmd.Kind, err)
		}
		if path != metrics.PathStore {
			t.Fatalf("Apply(%s) path = %q, want store", cmd.Kind, path)
		}
	}

	if st.begun != 3 || st.released != 3 {
		t.Fatalf("begun/released = %d/%d, want 3/3", st.begun, st.released)
	}
	if len(st.created) != 1 || st.created[0].Type != bus.StepAssistantMessage {
		t.Fatalf("created = %+v", st.created)
	}
	if len(st.updated) != 1 || st.updated[0].Type != bus.StepTool || st.updated[0].Name != bus.ThoughtName {
		t.Fatalf("updated = %+v", st.updated)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "m1" {
		t.Fatalf("deleted = %v", st.deleted)
	}
	for _, scope := range st.scopes {
		if scope != "conv" {
			t.Fatalf("store call outside request scope: %q", scope)
		}
	}
}

func TestApplierWithoutSessionOrStoreFails(t *testing.T) {
	a := NewApplier(nil, nil, nil)

	_, err := a.Apply(context.Background(), createCmd("conv", "m1"))
	if !errors.Is(err, bus.ErrSessionNotActive) {
		t.Fatalf("Apply() error = %v, want ErrSessionNotActive", err)
	}
}

func TestApplierRejectsMalformedCommands(t *testing.T) {
	a := NewApplier(nil, &recordingStore{}, nil)

	cases := []bus.OutgoingCommand{
		{Kind: bus.CommandCreateMessage, MessageID: "m1"},
		{Kind: bus.CommandDelete, ConversationID: "conv"},
	}
	for _, cmd := range cases {
		if _, err := a.Apply(context.Background(), cmd); !errors.Is(err, bus.ErrInvalidCommand) {
			t.Fatalf("Apply(%+v) error = %v, want ErrInvalidCommand", cmd, err)
		}
	}
}

func TestApplierSurfacesLivePushFailure(t *testing.T) {
	live := &recordingSession{pushErr: errors.New("socket gone")}
	st := &recordingStore{}
	a := NewApplier(staticResolver{"conv": live}, st, nil)

	path, err := a.Apply(context.Background(), createCmd("conv", "m1"))
	if err == nil || path != metrics.PathLive {
		t.Fatalf("Apply() = %q, %v; want live failure", path, err)
	}
	if st.createdCount() != 0 {
		t.Fatal("store must not be used when a live session exists")
	}
}

func TestApplierIgnoresClose(t *testing.T) {
	a := NewApplier(nil, nil, nil)
	if _, err := a.Apply(context.Background(), bus.OutgoingCommand{Kind: bus.CommandClose}); err != nil {
		t.Fatalf("Apply(close) error = %v", err)
	}
}
