package protocol

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fadidahanna/redisraft/internal/engine/memory"
	"github.com/fadidahanna/redisraft/internal/replication"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/internal/sharding/linker"
	"github.com/fadidahanna/redisraft/internal/sharding/router"
)

const (
	testDBID  = "12345678901234567890123456789012"
	foreignID = "abcdefabcdefabcdefabcdefabcdefab"
	localAddr = "127.0.0.1:5001"
)

// applyLog feeds proposals straight into the store applier, standing in for
// the replicated log.
type applyLog struct {
	applier *replication.StoreApplier
}

func (l *applyLog) Propose(_ context.Context, e *replication.Entry) error {
	return l.applier.Apply(e)
}

func (l *applyLog) Compact() error { return nil }
func (l *applyLog) Close() error   { return nil }

func newTestServer(t *testing.T, localRanges ...sharding.SlotRange) (string, *sharding.Store, func()) {
	t.Helper()
	return newTestServerWith(t, testDBID, localAddr, localRanges...)
}

func newTestServerWith(t *testing.T, dbid, nodeAddr string, localRanges ...sharding.SlotRange) (string, *sharding.Store, func()) {
	t.Helper()

	local := &sharding.ShardGroup{
		ID:     dbid,
		Ranges: localRanges,
		Nodes: []sharding.Node{
			{ID: sharding.LocalNodeID(dbid, 1), Addr: nodeAddr},
		},
	}
	store, err := sharding.NewStore(local)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	replog := &applyLog{applier: replication.NewStoreApplier(store)}
	eng := memory.NewStore()
	lnk := linker.New(store, replog, time.Hour, time.Second)
	handler := NewHandler(eng, store, replog, lnk, router.SelfLeader(nodeAddr))

	server := NewServer(":0", handler)
	go server.Start()

	addr := waitForServer(t, server, 2*time.Second)
	return addr, store, func() {
		server.Stop()
		eng.Close()
	}
}

func waitForServer(t *testing.T, s *Server, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		addr := s.Addr()
		if addr != ":0" && addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return ""
}

func respCmd(args ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return []byte(b.String())
}

func roundTrip(t *testing.T, conn net.Conn, args ...string) string {
	t.Helper()
	if _, err := conn.Write(respCmd(args...)); err != nil {
		t.Fatalf("write %v: %v", args, err)
	}
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply to %v: %v", args, err)
	}
	return string(buf[:n])
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func fullRange() sharding.SlotRange {
	return sharding.SlotRange{Start: 0, End: 16383, Type: sharding.RangeStable}
}

func TestSetGetDel(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	if got := roundTrip(t, conn, "SET", "foo", "bar"); got != "+OK\r\n" {
		t.Errorf("SET: %q", got)
	}
	if got := roundTrip(t, conn, "GET", "foo"); got != "$3\r\nbar\r\n" {
		t.Errorf("GET: %q", got)
	}
	if got := roundTrip(t, conn, "DEL", "foo"); got != ":1\r\n" {
		t.Errorf("DEL: %q", got)
	}
	if got := roundTrip(t, conn, "GET", "foo"); got != "$-1\r\n" {
		t.Errorf("GET after DEL: %q", got)
	}
}

func TestMovedRedirect(t *testing.T) {
	addr, store, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stop()

	foreign := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 8192, End: 16383, Type: sharding.RangeStable}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}
	if err := store.Add(foreign); err != nil {
		t.Fatalf("Add: %v", err)
	}

	conn := dialServer(t, addr)
	defer conn.Close()

	// "foo" hashes to slot 12182, owned by the foreign group.
	if got := roundTrip(t, conn, "GET", "foo"); got != "-MOVED 12182 1.1.1.1:1111\r\n" {
		t.Errorf("GET foo: %q", got)
	}
}

func TestCrossSlotRejected(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	got := roundTrip(t, conn, "MGET", "key1", "key2")
	if !strings.HasPrefix(got, "-CROSSSLOT") {
		t.Errorf("MGET: %q", got)
	}

	// Same hash tag keeps the request in one slot.
	got = roundTrip(t, conn, "MGET", "{tag}key1", "{tag}key2")
	if !strings.HasPrefix(got, "*2\r\n") {
		t.Errorf("tagged MGET: %q", got)
	}
}

func TestUnservedSlotIsClusterDown(t *testing.T) {
	addr, _, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 0, Type: sharding.RangeStable})
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	got := roundTrip(t, conn, "GET", "foo")
	if !strings.HasPrefix(got, "-CLUSTERDOWN") {
		t.Errorf("GET: %q", got)
	}
}

func TestAskingIsOneShot(t *testing.T) {
	// Local group imports the whole keyspace from a foreign source.
	addr, store, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 16383, Type: sharding.RangeImporting, Session: 456})
	defer stop()

	src := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 0, End: 16383, Type: sharding.RangeMigrating, Session: 456}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "3.3.3.3:3333"}},
	}
	if err := store.Add(src); err != nil {
		t.Fatalf("Add: %v", err)
	}

	conn := dialServer(t, addr)
	defer conn.Close()

	// Without ASKING the client belongs to the migrating source.
	if got := roundTrip(t, conn, "GET", "foo"); got != "-MOVED 12182 3.3.3.3:3333\r\n" {
		t.Errorf("no asking: %q", got)
	}

	// ASKING admits the next command; the key is not here yet.
	if got := roundTrip(t, conn, "ASKING"); got != "+OK\r\n" {
		t.Errorf("ASKING: %q", got)
	}
	got := roundTrip(t, conn, "GET", "foo")
	if !strings.HasPrefix(got, "-TRYAGAIN") {
		t.Errorf("asking GET: %q", got)
	}

	// The flag is spent; the next command redirects again.
	if got := roundTrip(t, conn, "GET", "foo"); got != "-MOVED 12182 3.3.3.3:3333\r\n" {
		t.Errorf("after asking spent: %q", got)
	}
}

func TestShardGroupAddAndGet(t *testing.T) {
	addr, _, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	foreign := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 8192, End: 16383, Type: sharding.RangeStable}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}
	args := append([]string{"SHARDGROUP", "ADD"}, foreign.AppendArgs(nil)...)
	if got := roundTrip(t, conn, args...); got != "+OK\r\n" {
		t.Fatalf("SHARDGROUP ADD: %q", got)
	}

	// The store now routes to the added group.
	if got := roundTrip(t, conn, "GET", "foo"); got != "-MOVED 12182 1.1.1.1:1111\r\n" {
		t.Errorf("GET after ADD: %q", got)
	}

	// GET returns both groups, count-prefixed: 1 count arg plus 9 args
	// per single-range single-node group.
	got := roundTrip(t, conn, "SHARDGROUP", "GET")
	if !strings.HasPrefix(got, "*19\r\n") {
		t.Errorf("SHARDGROUP GET: %q", got)
	}
	if !strings.Contains(got, testDBID) || !strings.Contains(got, foreignID) {
		t.Errorf("SHARDGROUP GET missing groups: %q", got)
	}
}

func TestShardGroupArityError(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	// Declares one range but omits the session field and the node records.
	got := roundTrip(t, conn,
		"SHARDGROUP", "ADD", foreignID, "1", "1", "8192", "16383", "1")
	want := "-ERR wrong number of arguments for 'shardgroup' command\r\n"
	if got != want {
		t.Errorf("truncated ADD: %q", got)
	}
}

func TestShardGroupAddConflictRejected(t *testing.T) {
	addr, store, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	overlap := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 100, End: 200, Type: sharding.RangeStable}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}
	args := append([]string{"SHARDGROUP", "ADD"}, overlap.AppendArgs(nil)...)
	got := roundTrip(t, conn, args...)
	if !strings.HasPrefix(got, "-ERR") {
		t.Errorf("conflicting ADD: %q", got)
	}
	if _, ok := store.Get(foreignID); ok {
		t.Error("conflicting group must not be stored")
	}
}

func TestShardGroupReplace(t *testing.T) {
	addr, store, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	local := store.Local()
	local.Ranges = []sharding.SlotRange{{Start: 0, End: 4095, Type: sharding.RangeStable}}
	foreign := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 4096, End: 16383, Type: sharding.RangeStable}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}

	args := append([]string{"SHARDGROUP", "REPLACE"},
		sharding.AppendGroupsArgs(nil, []*sharding.ShardGroup{local, foreign})...)
	if got := roundTrip(t, conn, args...); got != "+OK\r\n" {
		t.Fatalf("SHARDGROUP REPLACE: %q", got)
	}

	// "bar" hashes to slot 5061, now foreign.
	if got := roundTrip(t, conn, "GET", "bar"); got != "-MOVED 5061 1.1.1.1:1111\r\n" {
		t.Errorf("GET after REPLACE: %q", got)
	}
	if got := roundTrip(t, conn, "SET", "hello", "x"); got != "+OK\r\n" {
		t.Errorf("SET in kept range: %q", got)
	}
}

func TestMultiExec(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	if got := roundTrip(t, conn, "MULTI"); got != "+OK\r\n" {
		t.Fatalf("MULTI: %q", got)
	}
	if got := roundTrip(t, conn, "SET", "{tag}a", "1"); got != "+QUEUED\r\n" {
		t.Fatalf("queue SET: %q", got)
	}
	if got := roundTrip(t, conn, "SET", "{tag}b", "2"); got != "+QUEUED\r\n" {
		t.Fatalf("queue SET: %q", got)
	}
	if got := roundTrip(t, conn, "EXEC"); got != "*2\r\n+OK\r\n+OK\r\n" {
		t.Errorf("EXEC: %q", got)
	}

	if got := roundTrip(t, conn, "GET", "{tag}a"); got != "$1\r\n1\r\n" {
		t.Errorf("GET after EXEC: %q", got)
	}
}

func TestMultiExecCrossSlotAbortsWhole(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	roundTrip(t, conn, "MULTI")
	if got := roundTrip(t, conn, "SET", "key1", "1"); got != "+QUEUED\r\n" {
		t.Fatalf("queue: %q", got)
	}
	if got := roundTrip(t, conn, "SET", "key2", "2"); got != "+QUEUED\r\n" {
		t.Fatalf("queue: %q", got)
	}

	// The slot check runs at EXEC time over all queued keys and rejects
	// the transaction with a single error.
	got := roundTrip(t, conn, "EXEC")
	if !strings.HasPrefix(got, "-CROSSSLOT") {
		t.Errorf("EXEC: %q", got)
	}

	// Neither write happened.
	if got := roundTrip(t, conn, "EXISTS", "key1"); got != ":0\r\n" {
		t.Errorf("EXISTS after abort: %q", got)
	}
}

func TestMultiDiscard(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	roundTrip(t, conn, "MULTI")
	roundTrip(t, conn, "SET", "foo", "1")
	if got := roundTrip(t, conn, "DISCARD"); got != "+OK\r\n" {
		t.Errorf("DISCARD: %q", got)
	}
	if got := roundTrip(t, conn, "EXISTS", "foo"); got != ":0\r\n" {
		t.Errorf("EXISTS after DISCARD: %q", got)
	}
	got := roundTrip(t, conn, "EXEC")
	if !strings.HasPrefix(got, "-ERR EXEC without MULTI") {
		t.Errorf("EXEC after DISCARD: %q", got)
	}
}

func TestShardGroupLink(t *testing.T) {
	addrA, storeA, stopA := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stopA()

	addrB, _, stopB := newTestServerWith(t, foreignID, "127.0.0.1:5002",
		sharding.SlotRange{Start: 8192, End: 16383, Type: sharding.RangeStable})
	defer stopB()

	conn := dialServer(t, addrA)
	defer conn.Close()

	if got := roundTrip(t, conn, "SHARDGROUP", "LINK", addrB); got != "+OK\r\n" {
		t.Fatalf("SHARDGROUP LINK: %q", got)
	}

	got, ok := storeA.Get(foreignID)
	if !ok {
		t.Fatal("linked group not stored")
	}
	if got.Nodes[0].Addr != "127.0.0.1:5002" {
		t.Errorf("linked addr = %s", got.Nodes[0].Addr)
	}

	// Keys in the linked range now redirect to the remote cluster.
	if reply := roundTrip(t, conn, "GET", "foo"); reply != "-MOVED 12182 127.0.0.1:5002\r\n" {
		t.Errorf("GET after LINK: %q", reply)
	}
}

func TestShardGroupLinkUnreachable(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	got := roundTrip(t, conn, "SHARDGROUP", "LINK", deadAddr)
	if !strings.Contains(got, "failed to connect to cluster for link") {
		t.Errorf("LINK to dead addr: %q", got)
	}
}

func TestClusterKeySlotAndMyID(t *testing.T) {
	addr, _, stop := newTestServer(t, fullRange())
	defer stop()

	conn := dialServer(t, addr)
	defer conn.Close()

	if got := roundTrip(t, conn, "CLUSTER", "KEYSLOT", "foo"); got != ":12182\r\n" {
		t.Errorf("KEYSLOT: %q", got)
	}

	wantID := sharding.LocalNodeID(testDBID, 1)
	want := fmt.Sprintf("$%d\r\n%s\r\n", len(wantID), wantID)
	if got := roundTrip(t, conn, "CLUSTER", "MYID"); got != want {
		t.Errorf("MYID: %q", got)
	}
}

// nodeLines strips the bulk framing of a CLUSTER NODES reply and splits
// each line into its space-separated fields.
func nodeLines(t *testing.T, reply string) [][]string {
	t.Helper()
	i := strings.Index(reply, "\r\n")
	if i < 0 || reply[0] != '$' {
		t.Fatalf("not a bulk reply: %q", reply)
	}
	body := strings.TrimSuffix(reply[i+2:], "\r\n")
	var lines [][]string
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, strings.Split(line, " "))
	}
	return lines
}

func TestClusterNodesView(t *testing.T) {
	addr, store, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stop()

	foreign := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 8192, End: 16383, Type: sharding.RangeStable}},
		Nodes: []sharding.Node{
			{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"},
			{ID: sharding.LocalNodeID(foreignID, 2), Addr: "2.2.2.2:2222"},
		},
	}
	if err := store.Add(foreign); err != nil {
		t.Fatalf("Add: %v", err)
	}

	conn := dialServer(t, addr)
	defer conn.Close()

	lines := nodeLines(t, roundTrip(t, conn, "CLUSTER", "NODES"))
	if len(lines) != 3 {
		t.Fatalf("got %d node lines, want 3", len(lines))
	}
	byID := make(map[string][]string, len(lines))
	for _, fields := range lines {
		// Every line has nine fields; the last holds the ranges.
		if len(fields) != 9 {
			t.Fatalf("line has %d fields, want 9: %v", len(fields), fields)
		}
		byID[fields[0]] = fields
	}

	local := byID[sharding.LocalNodeID(testDBID, 1)]
	if local[2] != "myself,master" || local[8] != "0-8191" {
		t.Errorf("local line = %v", local)
	}

	// The foreign leader is a master, its peer a slave with no tracked
	// master-id; both carry the group's ranges.
	leader := byID[sharding.LocalNodeID(foreignID, 1)]
	if leader[2] != "master" || leader[3] != "-" || leader[8] != "8192-16383" {
		t.Errorf("foreign leader line = %v", leader)
	}
	peer := byID[sharding.LocalNodeID(foreignID, 2)]
	if peer[2] != "slave" || peer[3] != "-" || peer[8] != "8192-16383" {
		t.Errorf("foreign peer line = %v", peer)
	}
}

func TestClusterNodesEmptyRangeField(t *testing.T) {
	addr, store, stop := newTestServer(t, fullRange())
	defer stop()

	idle := &sharding.ShardGroup{
		ID:    foreignID,
		Nodes: []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}
	if err := store.Add(idle); err != nil {
		t.Fatalf("Add: %v", err)
	}

	conn := dialServer(t, addr)
	defer conn.Close()

	for _, fields := range nodeLines(t, roundTrip(t, conn, "CLUSTER", "NODES")) {
		if len(fields) != 9 {
			t.Fatalf("line has %d fields, want 9: %v", len(fields), fields)
		}
		// A group owning no slots still renders the field, empty.
		if fields[0] == sharding.LocalNodeID(foreignID, 1) && fields[8] != "" {
			t.Errorf("idle group ranges field = %q", fields[8])
		}
	}
}

func TestClusterSlotsView(t *testing.T) {
	addr, store, stop := newTestServer(t,
		sharding.SlotRange{Start: 0, End: 8191, Type: sharding.RangeStable})
	defer stop()

	foreign := &sharding.ShardGroup{
		ID:     foreignID,
		Ranges: []sharding.SlotRange{{Start: 8192, End: 16383, Type: sharding.RangeStable}},
		Nodes:  []sharding.Node{{ID: sharding.LocalNodeID(foreignID, 1), Addr: "1.1.1.1:1111"}},
	}
	if err := store.Add(foreign); err != nil {
		t.Fatalf("Add: %v", err)
	}

	conn := dialServer(t, addr)
	defer conn.Close()

	got := roundTrip(t, conn, "CLUSTER", "SLOTS")
	if !strings.HasPrefix(got, "*2\r\n") {
		t.Errorf("SLOTS count: %q", got)
	}
	if !strings.Contains(got, ":8192\r\n:16383\r\n") {
		t.Errorf("SLOTS missing foreign range: %q", got)
	}
	if !strings.Contains(got, "$7\r\n1.1.1.1\r\n:1111\r\n") {
		t.Errorf("SLOTS missing foreign node: %q", got)
	}
}
