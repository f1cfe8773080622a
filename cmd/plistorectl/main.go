// Command plistorectl inspects and maintains a plistore datastore directly,
// without going through the indexer or query services.
//
// Usage:
//
//	plistorectl [--config configs/development.yaml] stats
//	plistorectl list 7
//	plistorectl block 7 0 --headers
//	plistorectl merge
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/datastore"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	verbose    bool
	jsonOut    bool
	noAnnounce bool
	cfg        *config.Config
	closers    []func()
	rootCmd    = &cobra.Command{
		Use:           "plistorectl",
		Short:         "Inspect and maintain a plistore datastore",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			level := "warn"
			if verbose {
				level = "debug"
			}
			logger.Setup("plistorectl", level, "text")
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/development.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON")
	rootCmd.PersistentFlags().BoolVar(&noAnnounce, "no-announce", false, "do not publish index changes to query services")
	rootCmd.AddCommand(statsCmd, listCmd, blockCmd, mergeCmd, clearCmd, infoCmd, fingerprintCmd)

	err := rootCmd.Execute()
	for _, c := range closers {
		c()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured datastore in op mode with every optional
// collection.
func openStore(ctx context.Context, op datastore.OpMode) (*datastore.Store, error) {
	var clients kv.Clients
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { db.Close() })
		clients.Postgres = db
	case config.BackendRedis:
		rdb, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { rdb.Close() })
		clients.Redis = rdb
	}
	factory, err := kv.NewFactory(cfg.Store, clients)
	if err != nil {
		return nil, err
	}
	store, err := datastore.New(factory, plist.OptionsFromConfig(cfg.Index, nil))
	if err != nil {
		return nil, err
	}
	opts := datastore.OpenOptions{Fingerprints: true, Metadata: true, Info: true}
	if err := store.Open(ctx, op, opts); err != nil {
		return nil, err
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			slog.Error("closing datastore", "error", err)
		}
	})
	return store, nil
}

// announce tells query services that the main index changed so they drop
// their block caches. Failures are logged by the announcer.
func announce(ctx context.Context, done *indexer.MergeCompleted) {
	if noAnnounce || len(cfg.Kafka.Brokers) == 0 {
		return
	}
	done.CompletedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexMerged)
	defer producer.Close()
	consumer.NewAnnouncer(producer, nil).Announce(ctx, done)
}

func parseUint32(s, what string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned 32-bit integer: %q", what, s)
	}
	return uint32(n), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the record count of every collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), datastore.OpGet)
		if err != nil {
			return err
		}
		counts, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		empty, err := store.Empty(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]any{"collections": counts, "empty": empty})
		}
		for _, name := range []string{
			datastore.CollectionIndex,
			datastore.CollectionFingerprints,
			datastore.CollectionMetadata,
			datastore.CollectionInfo,
		} {
			fmt.Printf("%-14s %d\n", name, counts[name])
		}
		if empty {
			fmt.Println("main index is empty")
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <list-id>",
	Short: "Print a list header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listID, err := parseUint32(args[0], "list id")
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), datastore.OpGet)
		if err != nil {
			return err
		}
		lh, err := store.ListHeader(cmd.Context(), listID)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(lh)
		}
		fmt.Printf("list %d: blocks=%d records=%d bytes=%d max_fid=%d\n",
			listID, lh.BlockCount, lh.RecordCount, lh.ByteCount, lh.MaxFID)
		return nil
	},
}

var blockHeaders bool

var blockCmd = &cobra.Command{
	Use:   "block <list-id> <block-id>",
	Short: "Hex dump one block",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		listID, err := parseUint32(args[0], "list id")
		if err != nil {
			return err
		}
		blockID, err := parseUint32(args[1], "block id")
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), datastore.OpGet)
		if err != nil {
			return err
		}
		data, err := store.PListBlock(cmd.Context(), listID, blockID, blockHeaders)
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("block %d of list %d not found", blockID, listID)
		}
		fmt.Print(hex.Dump(data))
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the delta index into the main index",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), datastore.OpBuildMerge)
		if err != nil {
			return err
		}
		stats, err := store.CommitMerge(cmd.Context())
		if stats.Lists > 0 {
			announce(cmd.Context(), &indexer.MergeCompleted{
				Lists:   stats.Lists,
				Blocks:  stats.Blocks,
				Records: stats.Records,
				Bytes:   stats.Bytes,
			})
		}
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(stats)
		}
		fmt.Printf("merged %d lists (%d blocks, %d records, %d bytes)\n",
			stats.Lists, stats.Blocks, stats.Records, stats.Bytes)
		return nil
	},
}

var clearForce bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every record of every collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearForce {
			return fmt.Errorf("refusing to clear the datastore without --force")
		}
		store, err := openStore(cmd.Context(), datastore.OpBuildMerge)
		if err != nil {
			return err
		}
		err = store.Clear(cmd.Context())
		announce(cmd.Context(), &indexer.MergeCompleted{Cleared: true})
		if err != nil {
			return err
		}
		fmt.Println("datastore cleared")
		return nil
	},
}

var infoMatchType int

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the datastore info record, or set it with --match-type",
	RunE: func(cmd *cobra.Command, args []string) error {
		op := datastore.OpGet
		set := cmd.Flags().Changed("match-type")
		if set {
			op = datastore.OpBuild
		}
		store, err := openStore(cmd.Context(), op)
		if err != nil {
			return err
		}
		if set {
			if err := store.PutInfo(cmd.Context(), datastore.Info{MatchType: infoMatchType}); err != nil {
				return err
			}
		}
		info, err := store.Info(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var (
	fpLength int
	fpOffset int
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <fid>",
	Short: "Hex dump a fingerprint and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fid, err := parseUint32(args[0], "fingerprint id")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := openStore(ctx, datastore.OpGet)
		if err != nil {
			return err
		}
		size, err := store.FingerprintSize(ctx, fid)
		if err != nil {
			return err
		}
		if size == 0 {
			return fmt.Errorf("fingerprint %d not found", fid)
		}
		data, err := store.Fingerprint(ctx, fid, fpLength, fpOffset)
		if err != nil {
			return err
		}
		meta, err := store.Metadata(ctx, fid)
		if err != nil {
			return err
		}
		fmt.Printf("fingerprint %d: %d bytes\n", fid, size)
		if meta != "" {
			fmt.Printf("metadata: %s\n", meta)
		}
		fmt.Print(hex.Dump(data))
		return nil
	},
}

func init() {
	blockCmd.Flags().BoolVar(&blockHeaders, "headers", false, "include the encoded headers")
	clearCmd.Flags().BoolVar(&clearForce, "force", false, "confirm clearing")
	infoCmd.Flags().IntVar(&infoMatchType, "match-type", 0, "set the match type")
	fingerprintCmd.Flags().IntVar(&fpLength, "n", 0, "bytes to read, 0 for all")
	fingerprintCmd.Flags().IntVar(&fpOffset, "offset", 0, "byte offset")
}
