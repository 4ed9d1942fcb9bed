// Package protocol serves the RESP front end: command dispatch, routing
// enforcement, transactions, and the topology admin commands.
package protocol

import "github.com/tidwall/redcon"

// queuedCommand is one command buffered inside a MULTI block.
type queuedCommand struct {
	name string
	args [][]byte
}

// ConnState holds per-connection routing and transaction state, stored in
// the redcon connection context.
type ConnState struct {
	// AskingFlag marks that the connection sent ASKING. It admits exactly
	// one follow-up command to an importing slot and is cleared after
	// every key-bearing command, served or redirected.
	AskingFlag bool

	// InMulti is set between MULTI and EXEC/DISCARD; commands queue
	// instead of executing.
	InMulti bool

	// Queue holds the buffered commands of the open MULTI block.
	Queue []queuedCommand

	// Dirty is set when a command failed to queue; EXEC then aborts.
	Dirty bool
}

func (s *ConnState) resetMulti() {
	s.InMulti = false
	s.Queue = nil
	s.Dirty = false
}

func getConnState(conn redcon.Conn) *ConnState {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			return state
		}
	}
	state := &ConnState{}
	conn.SetContext(state)
	return state
}

// clearAskingFlag resets the one-shot ASKING admission after a command.
func clearAskingFlag(conn redcon.Conn) {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			state.AskingFlag = false
		}
	}
}
