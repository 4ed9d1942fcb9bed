// Package commands renders the CLUSTER introspection views from the shard
// group store.
package commands

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/internal/sharding/hash"
	"github.com/fadidahanna/redisraft/pkg/bytes"
	"github.com/fadidahanna/redisraft/pkg/protocolbuf"
)

// clusterPortOffset mirrors the convention of deriving the cluster bus port
// from the client port.
const clusterPortOffset = 10000

type ClusterHandler struct {
	store  *sharding.Store
	nodeID string
}

func NewClusterHandler(store *sharding.Store, nodeID string) *ClusterHandler {
	return &ClusterHandler{store: store, nodeID: nodeID}
}

func (h *ClusterHandler) HandleCluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}

	subcmd := strings.ToUpper(string(args[0]))

	switch subcmd {
	case "INFO":
		h.clusterInfo(conn)
	case "NODES":
		h.clusterNodes(conn)
	case "SLOTS":
		h.clusterSlots(conn)
	case "KEYSLOT":
		h.clusterKeySlot(conn, args[1:])
	case "MYID":
		h.clusterMyID(conn)
	default:
		conn.WriteError("ERR unknown subcommand '" + subcmd + "'")
	}
}

func (h *ClusterHandler) clusterInfo(conn redcon.Conn) {
	groups := h.store.Groups()
	t := h.store.Table()

	knownNodes := 0
	size := 0
	for _, sg := range groups {
		knownNodes += len(sg.Nodes)
		if len(sg.OwnedRanges()) > 0 {
			size++
		}
	}

	state := "ok"
	if t.MappedSlots() == 0 {
		state = "fail"
	}

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)

	buf.WriteString("cluster_enabled:1\r\n")
	buf.WriteString(fmt.Sprintf("cluster_state:%s\r\n", state))
	buf.WriteString(fmt.Sprintf("cluster_slots_assigned:%d\r\n", t.MappedSlots()))
	buf.WriteString(fmt.Sprintf("cluster_known_nodes:%d\r\n", knownNodes))
	buf.WriteString(fmt.Sprintf("cluster_size:%d\r\n", size))

	conn.WriteBulk(buf.Bytes())
}

// clusterNodes renders one line per node of every known shard group. Each
// line carries nine space-separated fields; the last holds the group's slot
// ranges on every member line and stays present, but empty, for groups that
// own no slots. The first node of a group is its master, the rest slaves;
// foreign slaves keep "-" as master-id because peer roles are not tracked
// across clusters.
func (h *ClusterHandler) clusterNodes(conn redcon.Conn) {
	localID := h.store.LocalID()

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)

	for _, sg := range h.store.Groups() {
		local := sg.ID == localID
		ranges := renderRanges(sg.OwnedRanges())

		for i, node := range sg.Nodes {
			flags := "master"
			masterID := "-"
			switch {
			case i == 0 && local:
				flags = "myself,master"
			case i > 0:
				flags = "slave"
				if local {
					masterID = sg.Nodes[0].ID
				}
			}

			fmt.Fprintf(buf, "%s %s@%d %s %s 0 0 0 connected %s\n",
				node.ID, node.Addr, busPort(node.Addr), flags, masterID, ranges)
		}
	}

	conn.WriteBulk(buf.Bytes())
}

func renderRanges(ranges []sharding.SlotRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " ")
}

func busPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return clusterPortOffset
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return clusterPortOffset
	}
	return port + clusterPortOffset
}

// clusterSlots reports every served range with its owning group's recorded
// leader. Importing ranges stay hidden until their migration completes.
func (h *ClusterHandler) clusterSlots(conn redcon.Conn) {
	groups := h.store.Groups()

	total := 0
	for _, sg := range groups {
		if len(sg.Nodes) == 0 {
			continue
		}
		total += len(sg.OwnedRanges())
	}

	conn.WriteArray(total)
	for _, sg := range groups {
		if len(sg.Nodes) == 0 {
			continue
		}
		leader := sg.Nodes[0]
		host, portStr, err := net.SplitHostPort(leader.Addr)
		if err != nil {
			host = leader.Addr
			portStr = "0"
		}
		port, _ := strconv.Atoi(portStr)

		for _, r := range sg.OwnedRanges() {
			conn.WriteArray(3)
			conn.WriteInt64(int64(r.Start))
			conn.WriteInt64(int64(r.End))

			conn.WriteArray(3)
			conn.WriteBulkString(host)
			conn.WriteInt(port)
			conn.WriteBulkString(leader.ID)
		}
	}
}

func (h *ClusterHandler) clusterKeySlot(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster keyslot' command")
		return
	}

	slot := hash.KeySlot(bytes.BytesToString(args[0]))
	conn.WriteInt64(int64(slot))
}

func (h *ClusterHandler) clusterMyID(conn redcon.Conn) {
	conn.WriteBulkString(h.nodeID)
}
