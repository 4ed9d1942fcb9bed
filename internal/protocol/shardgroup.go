package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/fadidahanna/redisraft/internal/replication"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/pkg/bytes"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

// cmdShardGroup handles the topology admin command. ADD, REPLACE and LINK
// mutate through the replicated log; GET serves the full store and is
// leader-only so linking peers always read a committed view.
func (h *Handler) cmdShardGroup(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		writeWrongArity(conn, "shardgroup")
		return
	}

	sub := strings.ToUpper(bytes.BytesToString(args[0]))
	switch sub {
	case "ADD":
		h.shardGroupAdd(ctx, conn, args[1:])
	case "REPLACE":
		h.shardGroupReplace(ctx, conn, args[1:])
	case "LINK":
		h.shardGroupLink(ctx, conn, args[1:])
	case "GET":
		h.shardGroupGet(conn, args[1:])
	default:
		conn.WriteError("ERR unknown SHARDGROUP subcommand '" + sub + "'")
	}
}

func (h *Handler) shardGroupAdd(ctx context.Context, conn redcon.Conn, args [][]byte) {
	sg, consumed, err := sharding.ParseGroup(args)
	if err != nil {
		writeShardGroupError(conn, err)
		return
	}
	if consumed != len(args) {
		writeWrongArity(conn, "shardgroup")
		return
	}

	if err := h.store.ValidateAdd(sg); err != nil {
		writeShardGroupError(conn, err)
		return
	}
	entry := &replication.Entry{
		Type:   replication.EntryAddGroup,
		Groups: []*sharding.ShardGroup{sg},
	}
	if err := h.propose(ctx, entry); err != nil {
		writeShardGroupError(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) shardGroupReplace(ctx context.Context, conn redcon.Conn, args [][]byte) {
	groups, err := sharding.ParseGroups(args)
	if err != nil {
		writeShardGroupError(conn, err)
		return
	}

	if err := h.store.ValidateReplace(groups); err != nil {
		writeShardGroupError(conn, err)
		return
	}
	entry := &replication.Entry{
		Type:   replication.EntryReplaceGroups,
		Groups: groups,
	}
	if err := h.propose(ctx, entry); err != nil {
		writeShardGroupError(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) shardGroupLink(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		writeWrongArity(conn, "shardgroup")
		return
	}
	if err := h.linker.Link(ctx, bytes.BytesToString(args[0])); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) shardGroupGet(conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		writeWrongArity(conn, "shardgroup")
		return
	}
	if !h.leader.IsLeader() {
		addr := h.leader.LeaderAddr()
		if addr == "" {
			conn.WriteError("CLUSTERDOWN No cluster leader")
			return
		}
		conn.WriteError(fmt.Sprintf("MOVED 0 %s", addr))
		return
	}

	flat := sharding.AppendGroupsArgs(nil, h.store.Groups())
	conn.WriteArray(len(flat))
	for _, arg := range flat {
		conn.WriteBulkString(arg)
	}
}

func writeShardGroupError(conn redcon.Conn, err error) {
	if stderrors.Is(err, errors.ErrWrongArity) {
		writeWrongArity(conn, "shardgroup")
		return
	}
	conn.WriteError("ERR " + err.Error())
}
