package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fadidahanna/redisraft/internal/engine/memory"
	"github.com/fadidahanna/redisraft/internal/protocol"
	"github.com/fadidahanna/redisraft/internal/replication"
	"github.com/fadidahanna/redisraft/internal/replication/raftlog"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/internal/sharding/linker"
	"github.com/fadidahanna/redisraft/internal/sharding/router"
)

var (
	addr            = flag.String("addr", ":6379", "server listen address")
	advertiseAddr   = flag.String("advertise-addr", "", "address other clusters reach this node at (defaults to the listen address)")
	dataDir         = flag.String("data-dir", "./data", "directory for the replicated log and snapshots")
	dbidFlag        = flag.String("dbid", "", "cluster database id, 32 characters (auto-generated on first boot if empty)")
	slotConfig      = flag.String("slot-config", "0-16383", "slot ranges served on first boot, comma-separated (e.g. 0-8191,9000)")
	refreshInterval = flag.Duration("shardgroup-refresh-interval", linker.DefaultRefreshInterval, "how often foreign shard groups are refreshed")
	linkTimeout     = flag.Duration("link-timeout", linker.DefaultDialTimeout, "timeout for cross-cluster handshakes")
	compactInterval = flag.Duration("compact-interval", 5*time.Minute, "how often the replicated log is folded into a snapshot")
	metricsAddr     = flag.String("metrics-addr", "", "prometheus metrics listen address (disabled if empty)")
)

func main() {
	flag.Parse()

	dbid := *dbidFlag
	if dbid == "" {
		dbid = generateDBID()
	}
	if len(dbid) != sharding.GroupIDLen {
		log.Fatalf("dbid must be %d characters, got %d", sharding.GroupIDLen, len(dbid))
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	dbid, err := raftlog.LoadOrInitDBID(*dataDir, dbid)
	if err != nil {
		log.Fatalf("load dbid: %v", err)
	}

	ranges, err := parseSlotConfig(*slotConfig)
	if err != nil {
		log.Fatalf("parse -slot-config: %v", err)
	}

	advertise := *advertiseAddr
	if advertise == "" {
		advertise = defaultAdvertise(*addr)
	}

	local := &sharding.ShardGroup{
		ID:     dbid,
		Ranges: ranges,
		Nodes: []sharding.Node{
			{ID: sharding.LocalNodeID(dbid, 1), Addr: advertise},
		},
	}
	store, err := sharding.NewStore(local)
	if err != nil {
		log.Fatalf("create shard group store: %v", err)
	}

	replog, err := raftlog.Open(*dataDir, replication.NewStoreApplier(store))
	if err != nil {
		log.Fatalf("open replicated log: %v", err)
	}

	eng := memory.NewStore()
	lnk := linker.New(store, replog, *refreshInterval, *linkTimeout)
	lnk.Start()

	handler := protocol.NewHandler(eng, store, replog, lnk, router.SelfLeader(advertise))
	server := protocol.NewServer(*addr, handler)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server: %v", err)
		}
	}()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	stopCompact := make(chan struct{})
	go compactLoop(replog, *compactInterval, stopCompact)

	log.Printf("cluster %s serving %s, advertised as %s", dbid, *addr, advertise)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")

	close(stopCompact)
	lnk.Stop()
	if err := server.Stop(); err != nil {
		log.Printf("stop server: %v", err)
	}
	if err := replog.Compact(); err != nil {
		log.Printf("final compaction: %v", err)
	}
	if err := replog.Close(); err != nil {
		log.Printf("close replicated log: %v", err)
	}
	if err := eng.Close(); err != nil {
		log.Printf("close engine: %v", err)
	}
}

func compactLoop(replog *raftlog.Store, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := replog.Compact(); err != nil {
				log.Printf("compaction: %v", err)
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}

// defaultAdvertise fills in a loopback host when only a port was given.
func defaultAdvertise(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func generateDBID() string {
	buf := make([]byte, sharding.GroupIDLen/2)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate dbid: %v", err)
	}
	return hex.EncodeToString(buf)
}

// parseSlotConfig parses "0-8191,9000" into stable slot ranges. An empty
// string yields no ranges: the node boots unassigned and acquires slots via
// SHARDGROUP REPLACE.
func parseSlotConfig(s string) ([]sharding.SlotRange, error) {
	if s == "" {
		return nil, nil
	}

	var ranges []sharding.SlotRange
	for _, tok := range strings.Split(s, ",") {
		startStr, endStr, found := strings.Cut(tok, "-")
		if !found {
			endStr = startStr
		}
		start, err := strconv.ParseUint(startStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad slot %q", startStr)
		}
		end, err := strconv.ParseUint(endStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad slot %q", endStr)
		}
		ranges = append(ranges, sharding.SlotRange{
			Start: uint32(start),
			End:   uint32(end),
			Type:  sharding.RangeStable,
		})
	}
	return ranges, nil
}
