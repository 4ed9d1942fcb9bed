package protocol

import (
	"context"

	"github.com/tidwall/redcon"
)

func (h *Handler) cmdMulti(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		writeWrongArity(conn, "multi")
		return
	}
	state := getConnState(conn)
	if state.InMulti {
		conn.WriteError("ERR MULTI calls can not be nested")
		return
	}
	state.resetMulti()
	state.InMulti = true
	conn.WriteString("OK")
}

func (h *Handler) cmdDiscard(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		writeWrongArity(conn, "discard")
		return
	}
	state := getConnState(conn)
	if !state.InMulti {
		conn.WriteError("ERR DISCARD without MULTI")
		return
	}
	state.resetMulti()
	conn.WriteString("OK")
}

// cmdExec runs an open MULTI block. Routing is checked once, over the union
// of all queued commands' keys, so the whole transaction is admitted or
// rejected as a unit. A rejection reports a single error, not per-command
// replies.
func (h *Handler) cmdExec(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		writeWrongArity(conn, "exec")
		return
	}
	state := getConnState(conn)
	if !state.InMulti {
		conn.WriteError("ERR EXEC without MULTI")
		return
	}
	if state.Dirty {
		state.resetMulti()
		conn.WriteError("EXECABORT Transaction discarded because of previous errors.")
		return
	}

	var keys [][]byte
	for _, qc := range state.Queue {
		keys = append(keys, commandKeys(qc.name, qc.args)...)
	}

	if len(keys) > 0 {
		result := h.router.Classify(ctx, keys, state.AskingFlag)
		if !writeRouteResult(conn, result) {
			clearAskingFlag(conn)
			state.resetMulti()
			return
		}
	}

	conn.WriteArray(len(state.Queue))
	for _, qc := range state.Queue {
		h.commands[qc.name](ctx, conn, qc.args)
	}
	clearAskingFlag(conn)
	state.resetMulti()
}
