package manager

import (
	"github.com/inercia/acpd/internal/protocol"
	"github.com/inercia/acpd/internal/wal"
)

// eventKindForUpdate maps a session update discriminator to the WAL event
// kind it is persisted as. The mapping is total: kinds this daemon does not
// know about are persisted as unknown_update with their payload intact, so a
// newer agent never loses data against an older daemon.
func eventKindForUpdate(updateKind string) wal.Kind {
	switch updateKind {
	case protocol.UpdateUserMessageChunk:
		return wal.KindUserMessage
	case protocol.UpdateAgentMessageChunk:
		return wal.KindAgentMessageChunk
	case protocol.UpdateAgentThoughtChunk:
		return wal.KindAgentThoughtChunk
	case protocol.UpdateToolCall:
		return wal.KindToolCall
	case protocol.UpdateToolCallUpdate:
		return wal.KindToolCallUpdate
	case protocol.UpdateSessionInfo, protocol.UpdateCurrentMode:
		return wal.KindSessionInfoUpdate
	case protocol.UpdateUsage:
		return wal.KindUsageUpdate
	default:
		return wal.KindUnknownUpdate
	}
}
