package manager

import (
	"testing"

	"github.com/inercia/acpd/internal/protocol"
	"github.com/inercia/acpd/internal/wal"
)

func TestEventKindForUpdate(t *testing.T) {
	tests := []struct {
		updateKind string
		want       wal.Kind
	}{
		{protocol.UpdateUserMessageChunk, wal.KindUserMessage},
		{protocol.UpdateAgentMessageChunk, wal.KindAgentMessageChunk},
		{protocol.UpdateAgentThoughtChunk, wal.KindAgentThoughtChunk},
		{protocol.UpdateToolCall, wal.KindToolCall},
		{protocol.UpdateToolCallUpdate, wal.KindToolCallUpdate},
		{protocol.UpdateSessionInfo, wal.KindSessionInfoUpdate},
		{protocol.UpdateCurrentMode, wal.KindSessionInfoUpdate},
		{protocol.UpdateUsage, wal.KindUsageUpdate},
		{"something_from_the_future", wal.KindUnknownUpdate},
		{"", wal.KindUnknownUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.updateKind, func(t *testing.T) {
			if got := eventKindForUpdate(tt.updateKind); got != tt.want {
				t.Errorf("eventKindForUpdate(%q) = %s, want %s", tt.updateKind, got, tt.want)
			}
		})
	}
}
