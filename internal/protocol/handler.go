package protocol

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/fadidahanna/redisraft/internal/engine"
	"github.com/fadidahanna/redisraft/internal/metrics"
	"github.com/fadidahanna/redisraft/internal/protocol/commands"
	"github.com/fadidahanna/redisraft/internal/replication"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/internal/sharding/router"
	"github.com/fadidahanna/redisraft/pkg/bytes"
	"github.com/fadidahanna/redisraft/pkg/protocolbuf"
)

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// Linker performs the cross-cluster LINK handshake.
type Linker interface {
	Link(ctx context.Context, addr string) error
}

type Handler struct {
	engine   engine.Engine
	store    *sharding.Store
	log      replication.Log
	linker   Linker
	leader   router.Leadership
	router   *router.Classifier
	cluster  *commands.ClusterHandler
	nodeID   string
	commands map[string]CommandFunc
}

func NewHandler(eng engine.Engine, store *sharding.Store, replog replication.Log,
	linker Linker, leader router.Leadership) *Handler {
	h := &Handler{
		engine:   eng,
		store:    store,
		log:      replog,
		linker:   linker,
		leader:   leader,
		router:   router.New(store, eng, leader),
		nodeID:   store.Local().Nodes[0].ID,
		commands: make(map[string]CommandFunc),
	}
	h.cluster = commands.NewClusterHandler(store, h.nodeID)
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["ECHO"] = h.cmdEcho
	h.commands["QUIT"] = h.cmdQuit
	h.commands["COMMAND"] = h.cmdCommand
	h.commands["INFO"] = h.cmdInfo

	h.commands["GET"] = h.cmdGet
	h.commands["SET"] = h.cmdSet
	h.commands["MGET"] = h.cmdMGet
	h.commands["MSET"] = h.cmdMSet

	h.commands["DEL"] = h.cmdDel
	h.commands["EXISTS"] = h.cmdExists
	h.commands["KEYS"] = h.cmdKeys
	h.commands["DBSIZE"] = h.cmdDBSize
	h.commands["FLUSHDB"] = h.cmdFlushDB
	h.commands["FLUSHALL"] = h.cmdFlushDB

	h.commands["ASKING"] = h.cmdAsking
	h.commands["MULTI"] = h.cmdMulti
	h.commands["EXEC"] = h.cmdExec
	h.commands["DISCARD"] = h.cmdDiscard

	h.commands["SHARDGROUP"] = h.cmdShardGroup
	h.commands["CLUSTER"] = h.cmdCluster
}

// immediateCommands run even inside an open MULTI block.
var immediateCommands = map[string]bool{
	"MULTI":   true,
	"EXEC":    true,
	"DISCARD": true,
	"QUIT":    true,
}

func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	name := strings.ToUpper(bytes.BytesToString(cmdBytes))
	state := getConnState(conn)

	if state.InMulti && !immediateCommands[name] {
		h.queueCommand(conn, state, name, args)
		return
	}

	fn, ok := h.commands[name]
	if !ok {
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
		return
	}

	if keys := commandKeys(name, args); len(keys) > 0 {
		result := h.router.Classify(ctx, keys, state.AskingFlag)
		if !writeRouteResult(conn, result) {
			clearAskingFlag(conn)
			return
		}
		fn(ctx, conn, args)
		clearAskingFlag(conn)
		return
	}

	fn(ctx, conn, args)
}

func (h *Handler) queueCommand(conn redcon.Conn, state *ConnState, name string, args [][]byte) {
	if _, ok := h.commands[name]; !ok {
		state.Dirty = true
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "'")
		return
	}
	// The parser reuses argument buffers across commands.
	copied := make([][]byte, len(args))
	for i, a := range args {
		copied[i] = append([]byte(nil), a...)
	}
	state.Queue = append(state.Queue, queuedCommand{name: name, args: copied})
	conn.WriteString("QUEUED")
}

// propose pushes a topology mutation through the replicated log and records
// its latency.
func (h *Handler) propose(ctx context.Context, e *replication.Entry) error {
	start := time.Now()
	err := h.log.Propose(ctx, e)
	metrics.ProposeDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.TopologyUpdates.WithLabelValues(e.Type.String()).Inc()
	}
	return err
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		writeWrongArity(conn, "echo")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteArray(0)
}

func (h *Handler) cmdInfo(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	size, _ := h.engine.DBSize(ctx)

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)

	buf.WriteString("# Server\r\n")
	buf.WriteString("redisraft_version:0.1.0\r\n")
	buf.WriteString("run_id:")
	buf.WriteString(h.nodeID)
	buf.WriteString("\r\n")
	buf.WriteString("\r\n# Keyspace\r\n")
	buf.WriteString("db0:keys=")
	buf.WriteString(strconv.FormatInt(size, 10))
	buf.WriteString(",expires=0\r\n")
	buf.WriteString("\r\n# Cluster\r\n")
	buf.WriteString("cluster_enabled:1\r\n")

	conn.WriteBulk(buf.Bytes())
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		writeWrongArity(conn, "get")
		return
	}

	val, err := h.engine.Get(ctx, bytes.BytesToString(args[0]))
	if err != nil {
		conn.WriteNull()
		return
	}
	conn.WriteBulk(val)
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		writeWrongArity(conn, "set")
		return
	}

	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		opt := strings.ToUpper(bytes.BytesToString(args[i]))
		switch opt {
		case "EX", "PX":
			if i+1 >= len(args) {
				conn.WriteError("ERR syntax error")
				return
			}
			n, err := strconv.ParseInt(bytes.BytesToString(args[i+1]), 10, 64)
			if err != nil {
				conn.WriteError("ERR value is not an integer or out of range")
				return
			}
			if opt == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}

	value := append([]byte(nil), args[1]...)
	if err := h.engine.Set(ctx, string(args[0]), value, ttl); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdMGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		writeWrongArity(conn, "mget")
		return
	}

	conn.WriteArray(len(args))
	for _, arg := range args {
		val, err := h.engine.Get(ctx, bytes.BytesToString(arg))
		if err != nil {
			conn.WriteNull()
			continue
		}
		conn.WriteBulk(val)
	}
}

func (h *Handler) cmdMSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 || len(args)%2 != 0 {
		writeWrongArity(conn, "mset")
		return
	}

	for i := 0; i < len(args); i += 2 {
		value := append([]byte(nil), args[i+1]...)
		if err := h.engine.Set(ctx, string(args[i]), value, 0); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		writeWrongArity(conn, "del")
		return
	}

	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = bytes.BytesToString(arg)
	}

	count, _ := h.engine.Del(ctx, keys...)
	conn.WriteInt64(count)
}

func (h *Handler) cmdExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		writeWrongArity(conn, "exists")
		return
	}

	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = bytes.BytesToString(arg)
	}

	count, _ := h.engine.Exists(ctx, keys...)
	conn.WriteInt64(count)
}

func (h *Handler) cmdKeys(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		writeWrongArity(conn, "keys")
		return
	}

	keys, _ := h.engine.Keys(ctx, bytes.BytesToString(args[0]))
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

func (h *Handler) cmdDBSize(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	size, _ := h.engine.DBSize(ctx)
	conn.WriteInt64(size)
}

func (h *Handler) cmdFlushDB(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	h.engine.FlushDB(ctx)
	conn.WriteString("OK")
}

func (h *Handler) cmdAsking(_ context.Context, conn redcon.Conn, _ [][]byte) {
	state := getConnState(conn)
	state.AskingFlag = true
	conn.WriteString("OK")
}

func (h *Handler) cmdCluster(_ context.Context, conn redcon.Conn, args [][]byte) {
	h.cluster.HandleCluster(conn, args)
}
