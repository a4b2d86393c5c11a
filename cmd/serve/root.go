package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// shutdownTimeout bounds the graceful shutdown after SIGINT / SIGTERM
const shutdownTimeout = 10 * time.Second

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the dDoc substrate server",
		Long: `Start a server that serves ordered key-value shards over RPC. Document storage instances connect to a shard with "ddoc doc --shard <id>".
The configuration can be set via command line flags or environment variables. The format of the environment variables is DDOC_<flag> (e.g. DDOC_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "shards"
	ServeCmd.PersistentFlags().String(key, "100=memkv", cmdUtil.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is one of: memkv, pebble, raft"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(raft shards) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Election and heartbeat timeouts are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("(raft shards) SnapshotEntries defines how often the state machine is snapshotted, in applied Raft log entries. 0 disables automatic snapshots"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("(raft shards) CompactionOverhead is the number of log entries kept after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir holds the pebble shards and the raft log"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft shards) ReplicaID is the unique name of this node (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft shards) ClusterMembers is a comma-separated list of raft addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout of a single substrate operation in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	shards, err := common.ParseShards(viper.GetString("shards"))
	if err != nil {
		return err
	}
	serveCmdConfig.Shards = shards

	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = cmdUtil.HashID(id)
	}

	members, err := parseClusterMembers(viper.GetString("cluster-members"))
	if err != nil {
		return err
	}
	serveCmdConfig.ClusterMembers = members

	return serveCmdConfig.Validate()
}

// parseClusterMembers parses 'name=address' pairs, the names are hashed to replica ids
func parseClusterMembers(s string) (map[uint64]string, error) {
	members := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		if strings.TrimSpace(member) == "" {
			continue
		}
		name, addr, ok := strings.Cut(member, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("invalid cluster member format: %s (expected NAME=address)", member)
		}
		id := cmdUtil.HashID(name)
		if _, dup := members[id]; dup {
			return nil, fmt.Errorf("duplicate cluster member %s", name)
		}
		members[id] = strings.TrimSpace(addr)
	}
	return members, nil
}

// run starts the server and blocks until SIGINT / SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- serv.Serve() }()

	select {
	case err := <-errCh:
		// the transport stopped on its own, release the shards anyway
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, serv.Shutdown(shutdownCtx))
	case <-ctx.Done():
		server.Logger.Infof("received shutdown signal, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := serv.Shutdown(shutdownCtx)
		select {
		case serveErr := <-errCh:
			return errors.Join(err, serveErr)
		case <-shutdownCtx.Done():
			return errors.Join(err, shutdownCtx.Err())
		}
	}
}
