package common

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	dir := filepath.Join(c.DataDir, "raft")
	return config.NodeHostConfig{
		WALDir:         dir,
		NodeHostDir:    dir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeMemKV    ServerShardType = "memkv"  // in-memory B-tree, lost on restart
	ShardTypePebbleKV ServerShardType = "pebble" // embedded LSM below DataDir
	ShardTypeRaftKV   ServerShardType = "raft"   // replicated with dragonboat
)

// ParseShardType converts the textual shard type used by the cli
func ParseShardType(s string) (ServerShardType, error) {
	switch t := ServerShardType(strings.ToLower(strings.TrimSpace(s))); t {
	case ShardTypeMemKV, ShardTypePebbleKV, ShardTypeRaftKV:
		return t, nil
	default:
		return "", fmt.Errorf("invalid shard type: %s (expected one of: memkv, pebble, raft)", s)
	}
}

// ParseShards parses a comma separated list in the format ID=TYPE
func ParseShards(s string) ([]ServerShard, error) {
	var shards []ServerShard
	seen := map[uint64]bool{}
	for _, shardConfig := range strings.Split(s, ",") {
		if strings.TrimSpace(shardConfig) == "" {
			continue
		}
		parts := strings.Split(shardConfig, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}
		shardID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", parts[0], err)
		}
		if seen[shardID] {
			return nil, fmt.Errorf("duplicate shard ID %d", shardID)
		}
		seen[shardID] = true
		shardType, err := ParseShardType(parts[1])
		if err != nil {
			return nil, err
		}
		shards = append(shards, ServerShard{ShardID: shardID, Type: shardType})
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("at least one shard must be configured")
	}
	return shards, nil
}

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type selects the substrate engine of the shard
	Type ServerShardType
}

// ServerConfig holds all configuration parameters of a server node.
type ServerConfig struct {
	// shards served by this node
	Shards []ServerShard

	// Dragonboat parameters (only used by raft shards)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// DataDir holds the pebble shards (DataDir/pebble-<id>) and the raft log (DataDir/raft)
	DataDir string

	// timeout of a single substrate operation
	TimeoutSecond int64

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// HasRaftShard checks if the configuration contains any raft shards
func (c *ServerConfig) HasRaftShard() bool {
	for _, shard := range c.Shards {
		if shard.Type == ShardTypeRaftKV {
			return true
		}
	}
	return false
}

// PebbleDir returns the directory of a pebble shard
func (c *ServerConfig) PebbleDir(shardId uint64) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("pebble-%d", shardId))
}

// Validate checks the parts of the configuration the server depends on
func (c *ServerConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("no shards configured")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("no endpoint configured")
	}
	if c.TimeoutSecond <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.TimeoutSecond)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HasRaftShard() {
		if c.ReplicaID == 0 {
			return fmt.Errorf("raft shards need a replica id")
		}
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return fmt.Errorf("replica id %d is not part of the cluster members", c.ReplicaID)
		}
	}
	return nil
}

// String renders the configuration for the startup log
func (c *ServerConfig) String() string {
	var r configReport

	r.section("RPC Server")
	r.field("Endpoint", c.Endpoint)
	r.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	r.field("Log Level", c.LogLevel)
	r.field("Data Directory", c.DataDir)

	r.section("Shards")
	for _, shard := range c.Shards {
		value := string(shard.Type)
		if shard.Type == ShardTypePebbleKV {
			value += " (" + c.PebbleDir(shard.ShardID) + ")"
		}
		r.field(strconv.FormatUint(shard.ShardID, 10), value)
	}

	if !c.HasRaftShard() {
		return r.String()
	}

	r.section("RAFT")
	r.field("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
	r.field("RAFT Address", c.ClusterMembers[c.ReplicaID])
	r.field("RTT", fmt.Sprintf("%d ms", c.RTTMillisecond))
	r.field("Election / Heartbeat", fmt.Sprintf("%d / %d ms", c.RTTMillisecond*electionRTTFactor, c.RTTMillisecond*heartbeatRTTFactor))
	r.field("Snapshot Entries", strconv.FormatUint(c.SnapshotEntries, 10))
	r.field("Compaction Overhead", strconv.FormatUint(c.CompactionOverhead, 10))

	r.section("Cluster Members")
	ids := make([]uint64, 0, len(c.ClusterMembers))
	for id := range c.ClusterMembers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.field(strconv.FormatUint(id, 10), c.ClusterMembers[id])
	}
	return r.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int
	// PageSize is the number of entries fetched per range request (0 = default)
	PageSize int
}

// String renders the client configuration, e.g. for the perf tool
func (c *ClientConfig) String() string {
	var r configReport

	r.section("RPC Client")
	r.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	r.field("Retry Count", strconv.Itoa(c.RetryCount))
	r.field("Range Page Size", strconv.Itoa(c.PageSize))

	r.section("Endpoints")
	for i, endpoint := range c.Endpoints {
		r.field(strconv.Itoa(i), endpoint)
	}
	return r.String()
}

// configReport collects titled sections of aligned name/value pairs
type configReport struct {
	sb strings.Builder
}

func (r *configReport) section(title string) {
	fmt.Fprintf(&r.sb, "\n%s\n", strings.ToUpper(title))
}

func (r *configReport) field(name, value string) {
	fmt.Fprintf(&r.sb, "  %-22s: %s\n", name, value)
}

func (r *configReport) String() string {
	return r.sb.String()
}
