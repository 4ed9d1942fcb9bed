package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/fadidahanna/redisraft/internal/sharding/router"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

func writeWrongArity(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(cmd) + "' command")
}

// writeRouteResult reports a routing decision to the client and returns
// whether the command may execute locally.
func writeRouteResult(conn redcon.Conn, r router.Result) bool {
	switch r.Decision {
	case router.DecisionExecute:
		return true
	case router.DecisionMoved:
		conn.WriteError(fmt.Sprintf("%s %d %s", errors.ErrMoved, r.Slot, r.Addr))
	case router.DecisionAsk:
		conn.WriteError(fmt.Sprintf("%s %d %s", errors.ErrAsk, r.Slot, r.Addr))
	case router.DecisionTryAgain:
		conn.WriteError(errors.ErrTryAgain.Error())
	case router.DecisionCrossSlot:
		conn.WriteError(errors.ErrCrossSlot.Error())
	case router.DecisionClusterDown:
		conn.WriteError(errors.ErrClusterDown.Error())
	}
	return false
}
