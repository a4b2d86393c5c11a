package docs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/pebblekv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// instance is the collection all subcommands (except perf) work on
	instance *storage.Instance

	// DocumentCommands represents the document command group
	DocumentCommands = &cobra.Command{
		Use:   "doc",
		Short: "Perform document operations on a collection",
		Long: `Perform document operations on one collection. The collection lives either on a shard of a dDoc server (--shard) or in a local pebble directory (--local-dir).
The collection is described by a JSON schema file (--schema).`,
		PersistentPreRunE:  setupInstance,
		PersistentPostRunE: closeInstance,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(DocumentCommands)

	key := "shard"
	DocumentCommands.PersistentFlags().Uint64(key, 100, util.WrapString("ID of the shard to connect to"))

	key = "local-dir"
	DocumentCommands.PersistentFlags().String(key, "", util.WrapString("Open a local pebble directory instead of connecting to a server"))

	key = "schema"
	DocumentCommands.PersistentFlags().String(key, "", util.WrapString("Path of the JSON schema of the collection"))

	key = "database"
	DocumentCommands.PersistentFlags().String(key, "ddoc", util.WrapString("Name of the database"))

	key = "collection"
	DocumentCommands.PersistentFlags().String(key, "docs", util.WrapString("Name of the collection"))

	key = "consistency"
	DocumentCommands.PersistentFlags().String(key, "strong", util.WrapString("Consistency of reads (strong, eventual)"))

	key = "batch-size"
	DocumentCommands.PersistentFlags().Int(key, 100, util.WrapString("Range page size of the storage and number of documents purged per cleanup round"))

	DocumentCommands.AddCommand(putCmd)
	DocumentCommands.AddCommand(getCmd)
	DocumentCommands.AddCommand(deleteCmd)
	DocumentCommands.AddCommand(queryCmd)
	DocumentCommands.AddCommand(countCmd)
	DocumentCommands.AddCommand(changesCmd)
	DocumentCommands.AddCommand(cleanupCmd)
	DocumentCommands.AddCommand(infoCmd)
	DocumentCommands.AddCommand(perfTestCmd)
}

// setupInstance opens the storage and creates the instance of the configured collection
func setupInstance(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	schemaPath := viper.GetString("schema")
	if schemaPath == "" {
		return fmt.Errorf("no schema given, use --schema <file>")
	}
	raw, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	s, err := schema.Parse(raw)
	if err != nil {
		return err
	}

	st, err := newStorage()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	instance, err = st.CreateInstance(ctx, storage.InstanceParams{
		DatabaseName:   viper.GetString("database"),
		CollectionName: viper.GetString("collection"),
		Schema:         s,
	})
	return err
}

func closeInstance(cmd *cobra.Command, _ []string) error {
	if instance == nil {
		return nil
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	return instance.Close(ctx)
}

// newStorage creates a storage on top of the configured substrate
func newStorage() (*storage.Storage, error) {
	consistency, err := kv.ParseConsistency(viper.GetString("consistency"))
	if err != nil {
		return nil, err
	}
	settings := storage.DefaultSettings()
	settings.Consistency = consistency
	settings.BatchSize = viper.GetInt("batch-size")

	factory, err := substrateFactory()
	if err != nil {
		return nil, err
	}
	return storage.NewStorage(factory, settings, nil), nil
}

// substrateFactory returns a factory for either a local pebble directory or a remote shard
func substrateFactory() (kv.Factory, error) {
	if dir := viper.GetString("local-dir"); dir != "" {
		return func() (kv.OrderedKV, error) {
			opts := pebblekv.DefaultOptions()
			opts.Dir = dir
			return pebblekv.NewPebbleKV(opts)
		}, nil
	}

	config := util.GetClientConfig()
	shardId := util.GetShardID()

	s, err := util.GetSerializer()
	if err != nil {
		return nil, err
	}

	return func() (kv.OrderedKV, error) {
		// every substrate handle gets its own transport
		t, err := util.GetClientTransport()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), clientTimeout(config))
		defer cancel()
		return client.NewRPCKV(ctx, shardId, *config, t, s)
	}, nil
}

func clientTimeout(config *common.ClientConfig) time.Duration {
	if config.TimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(config.TimeoutSecond) * time.Second
}

// commandContext bounds a single command by the configured timeout
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, clientTimeout(util.GetClientConfig()))
}
