// Command storesnapshot freezes the live data of an append-only store into a
// versioned historical resource file shipped with a release. With -parquet it
// also exports the trade statistics as a Parquet table.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"

	"tradenet/config"
	"tradenet/observability/logging"
	"tradenet/p2p/payload"
	"tradenet/p2p/store"
	"tradenet/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the node configuration file")
	storeName := flag.String("store", "TradeStatisticsStore", "Store to snapshot (TradeStatisticsStore or BlindVoteStore)")
	version := flag.String("version", "", "Release version the snapshot is frozen for")
	resourceDir := flag.String("out", "", "Resource directory; defaults to the configured resource dir")
	parquetOut := flag.String("parquet", "", "Also export trade statistics to this Parquet file")
	flag.Parse()

	logger := logging.Setup("storesnapshot", os.Getenv("TRADENET_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	out := strings.TrimSpace(*resourceDir)
	if out == "" {
		out = cfg.Node.ResourceDir
	}
	path, n, err := snapshot(cfg.StoreDir(), out, *storeName, *version, logger)
	if err != nil {
		logger.Error("Snapshot failed", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("wrote %d entries to %s\n", n, path)

	if target := strings.TrimSpace(*parquetOut); target != "" {
		rows, err := export(cfg.StoreDir(), target, logger)
		if err != nil {
			logger.Error("Parquet export failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("exported %d trade statistics to %s\n", rows, target)
	}
}

func export(storeDir, path string, logger *slog.Logger) (int, error) {
	pm := storage.NewPersistenceManager(storeDir, "TradeStatisticsStore", storage.SourceNetwork, storage.WithLogger(logger))
	live := store.NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", pm, logger)
	if err := live.ReadPersisted(); err != nil {
		return 0, err
	}
	return exportStatistics(path, live.Entries())
}

func snapshot(storeDir, resourceDir, name, version string, logger *slog.Logger) (string, int, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", 0, errors.New("version required")
	}
	if _, err := semver.NewVersion(version); err != nil {
		return "", 0, fmt.Errorf("invalid version %q: %w", version, err)
	}
	pm := storage.NewPersistenceManager(storeDir, name, storage.SourceNetwork, storage.WithLogger(logger))
	switch name {
	case "TradeStatisticsStore":
		return snapshotOf(store.NewMapStore[*payload.TradeStatistics](name, pm, logger), resourceDir, version)
	case "BlindVoteStore":
		return snapshotOf(store.NewMapStore[*payload.BlindVotePayload](name, pm, logger), resourceDir, version)
	default:
		return "", 0, fmt.Errorf("unknown store %q", name)
	}
}

func snapshotOf[P payload.Payload](s *store.MapStore[P], resourceDir, version string) (string, int, error) {
	if err := s.ReadPersisted(); err != nil {
		return "", 0, fmt.Errorf("read %s: %w", s.Name(), err)
	}
	entries := s.Entries()
	path, err := store.WriteSnapshot(resourceDir, s.Name(), version, entries)
	if err != nil {
		return "", 0, err
	}
	return path, len(entries), nil
}
