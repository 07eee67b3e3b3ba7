// Package main provides flashfsd, a demonstration of the FlashFS
// coordinator running over a RAM-backed flash device and the reference
// engine. It mounts the configured instances, runs a synchronous
// write/read round trip, then a record write/read through the async worker,
// and exits nonzero if anything misbehaves.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/flashfs/flashfs/internal/config"
	"github.com/flashfs/flashfs/internal/coordinator"
	"github.com/flashfs/flashfs/internal/engine/enginetest"
	"github.com/flashfs/flashfs/internal/flash"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/internal/record"
	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/pkg/types"
)

const (
	partitionSize = 256 * 1024
	eraseSize     = 4 * 1024
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("flashfsd", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to YAML configuration")
	debounce := flags.Duration("debounce", 0, "override suspend debounce window")
	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *debounce > 0 {
		cfg.Suspend.Debounce = *debounce
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.Logging.Level)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		var err error
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled: true,
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
		})
		if err != nil {
			logger.Error("metrics setup failed", "error", err)
			return 1
		}
		if err := collector.Start(); err != nil {
			logger.Error("metrics start failed", "error", err)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = collector.Stop(ctx)
		}()
	}

	// One physical device shared by all instances: the device transaction
	// lock is what keeps their raw flash traffic serialized.
	maxPartition := 0
	for _, ic := range cfg.Instances {
		if ic.Partition > maxPartition {
			maxPartition = ic.Partition
		}
	}
	device := flash.NewMemDevice(maxPartition+1, partitionSize, eraseSize)

	coord := coordinator.New(logger, collector)
	for id, ic := range cfg.Instances {
		if err := coord.Init(id, ic, device, enginetest.New()); err != nil {
			logger.Error("init failed", "instance", id, "error", err)
			return 1
		}
	}

	var scheduler *suspend.Scheduler
	var notifications <-chan int
	if cfg.Suspend.Enabled {
		scheduler = suspend.NewScheduler(cfg.Suspend.Debounce, logger)
		defer scheduler.Close()
		coord.SetScheduler(scheduler)
		notifications = scheduler.Notifications()
	}

	if err := coord.Start(); err != nil {
		logger.Error("start failed", "error", err)
		return 1
	}
	for id := range cfg.Instances {
		if !coord.Ready(id) {
			logger.Error("instance failed to mount", "instance", id)
			return 1
		}
	}

	worker := record.NewWorker(coord, cfg.Record.QueueDepth, notifications, logger, collector)
	defer worker.Close()

	if err := demo(coord, worker, logger); err != nil {
		logger.Error("demo failed", "error", err)
		return 1
	}

	if cfg.Suspend.Enabled {
		// Let one quiet debounce window pass so the suspend path runs too.
		time.Sleep(cfg.Suspend.Debounce + 200*time.Millisecond)
		logger.Info("device suspends", "count", device.Suspends())
	}

	logger.Info("demo complete")
	return 0
}

// demo runs the synchronous round trip and the async record round trip on
// instance 0.
func demo(coord *coordinator.Coordinator, worker *record.Worker, logger *slog.Logger) error {
	payload := []byte("ABCDEFGH")

	fd, err := coord.Open(0, "t.txt", types.Trunc|types.Creat|types.ReadWrite)
	if err != nil {
		return fmt.Errorf("open for write: %w", err)
	}
	if n, err := coord.Write(0, fd, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	} else if n != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(payload))
	}
	if err := coord.Close(0, fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	fd, err = coord.Open(0, "t.txt", types.ReadOnly)
	if err != nil {
		return fmt.Errorf("open for read: %w", err)
	}
	readBack := make([]byte, len(payload))
	if n, err := coord.Read(0, fd, readBack); err != nil {
		return fmt.Errorf("read: %w", err)
	} else if n != len(payload) {
		return fmt.Errorf("short read: %d of %d bytes", n, len(payload))
	}
	if err := coord.Close(0, fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if !bytes.Equal(payload, readBack) {
		return fmt.Errorf("round trip mismatch: %q != %q", payload, readBack)
	}
	logger.Info("synchronous round trip ok", "bytes", len(payload))

	recordData := []byte("sensor-calibration-record")
	results := make(chan int32, 1)
	cb := func(result int32, userdata any) {
		results <- result
	}

	if n := worker.WriteRecord(0, "r.bin", recordData, true, cb, nil); n != int32(len(recordData)) {
		return fmt.Errorf("write record rejected: %d", n)
	}
	if res := <-results; res != int32(len(recordData)) {
		return fmt.Errorf("write record result: %d", res)
	}

	readRecord := make([]byte, len(recordData))
	if n := worker.ReadRecord(0, "r.bin", readRecord, true, cb, nil); n != int32(len(recordData)) {
		return fmt.Errorf("read record rejected: %d", n)
	}
	if res := <-results; res != int32(len(recordData)) {
		return fmt.Errorf("read record result: %d", res)
	}
	if !bytes.Equal(recordData, readRecord) {
		return fmt.Errorf("record mismatch: %q != %q", recordData, readRecord)
	}
	logger.Info("record round trip ok", "bytes", len(recordData))

	info, err := coord.Info(0)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	logger.Info("volume", "total", info.Total, "used", info.Used)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
