package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/memkv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/pebblekv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/raftkv"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the substrate it encapsulates and the adapter
// that handles requests for the substrate
type serverShard struct {
	DB      kv.OrderedKV
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		http.NewHttpServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, serverShard](),
	}
}

type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, serverShard]
	nodeHost   *dragonboat.NodeHost
}

// Handle decodes a request for a shard, lets the shard's adapter run it and
// returns the encoded response. Every failure is reported as an error message.
func (s *RPCServer) Handle(shardId uint64, req []byte) []byte {
	respMsg := s.handle(shardId, req)

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize response for shard %d: %v", shardId, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			fmt.Errorf("failed to serialize response: %w", err)))
	}
	return val
}

func (s *RPCServer) handle(shardId uint64, req []byte) *common.Message {
	shard, ok := s.shards.Load(shardId)
	if !ok {
		return common.NewErrorResponse(kv.NewError(kv.RetCNotFound, fmt.Sprintf("shard %d not found", shardId)))
	}

	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		return common.NewErrorResponse(kv.NewError(kv.RetCInvalidOperation,
			fmt.Sprintf("failed to deserialize request: %s", err)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()
	return shard.Adapter.Handle(ctx, &msg, shard.DB)
}

func (s *RPCServer) timeout() time.Duration {
	if s.config.TimeoutSecond <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.config.TimeoutSecond) * time.Second
}

// Init creates all configured shards and registers the request handler at the transport.
// Serve calls Init, it only has to be called directly when the transport is driven by the caller.
func (s *RPCServer) Init() error {
	Logger.Infof("Created RPC Server (serializer %s)", s.serializer.Name())
	Logger.Infof("%s", s.config.String())

	// Only create the NodeHost if we have raft shards
	if s.config.HasRaftShard() {
		nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.nodeHost = nodeHost
	}

	/*
		Note: A single RPC Server can serve any number of shards. Each shard is
		backed by its own substrate; memkv and pebble shards are local to this
		node, raft shards are replicated to all cluster members.
	*/

	for _, shardConfig := range s.config.Shards {
		db, err := s.createShard(shardConfig)
		if err != nil {
			return errors.Join(err, s.closeShards())
		}
		s.shards.Store(shardConfig.ShardID, serverShard{
			DB:      db,
			Adapter: NewKVServerAdapter(),
		})
		Logger.Infof("created %s substrate for shard %d", shardConfig.Type, shardConfig.ShardID)
	}

	Logger.Infof("dDoc setup completed successfully")

	s.transport.RegisterHandler(s.Handle)
	return nil
}

// createShard opens the substrate of a single shard
func (s *RPCServer) createShard(shardConfig common.ServerShard) (kv.OrderedKV, error) {
	switch shardConfig.Type {
	case common.ShardTypeMemKV:
		return memkv.NewMemKV(nil), nil

	case common.ShardTypePebbleKV:
		opts := pebblekv.DefaultOptions()
		opts.Dir = s.config.PebbleDir(shardConfig.ShardID)
		db, err := pebblekv.NewPebbleKV(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble shard %d: %w", shardConfig.ShardID, err)
		}
		return db, nil

	case common.ShardTypeRaftKV:
		if s.nodeHost == nil {
			return nil, fmt.Errorf("node host is nil, cannot create raft shard %d", shardConfig.ShardID)
		}
		err := s.nodeHost.StartConcurrentReplica(
			s.config.ClusterMembers,
			false,
			raftkv.NewStateMachineFactory(func() kv.OrderedKV { return memkv.NewMemKV(nil) }),
			s.config.ToDragonboatConfig(shardConfig.ShardID),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to start raft shard %d: %w", shardConfig.ShardID, err)
		}
		return raftkv.NewRaftKV(s.nodeHost, shardConfig.ShardID, s.timeout()), nil

	default:
		return nil, fmt.Errorf("invalid shard type: %s", shardConfig.Type)
	}
}

// Serve starts the RPC server
// This function will also initialize the server plus the shards and start the transport layer.
// It blocks until the transport stops.
func (s *RPCServer) Serve() error {
	if err := s.Init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// Shutdown stops the transport and closes all shards
func (s *RPCServer) Shutdown(ctx context.Context) error {
	err := s.transport.Shutdown(ctx)
	return errors.Join(err, s.closeShards())
}

func (s *RPCServer) closeShards() error {
	var errs []error
	s.shards.Range(func(id uint64, shard serverShard) bool {
		if err := shard.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
		s.shards.Delete(id)
		return true
	})
	if s.nodeHost != nil {
		s.nodeHost.Close()
		s.nodeHost = nil
	}
	return errors.Join(errs...)
}
