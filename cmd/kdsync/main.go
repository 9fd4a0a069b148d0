package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/kdsync/kdsync/pkg/config"
	"github.com/kdsync/kdsync/pkg/history"
	"github.com/kdsync/kdsync/pkg/monitor"
	"github.com/kdsync/kdsync/pkg/predict"
	"github.com/kdsync/kdsync/pkg/protocol"
	"github.com/kdsync/kdsync/pkg/version"
)

func main() {
	var (
		configPath  = pflag.String("config", "", "path to YAML config file")
		dir         = pflag.String("dir", "", "exchange directory (overrides config)")
		module      = pflag.String("module", "", "target module name (overrides config)")
		imageBase   = pflag.Uint64("image-base", 0, "analysis image base (overrides config)")
		interval    = pflag.Duration("interval", 0, "poll interval (overrides config)")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log("msg", "failed to load config", "err", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.ChannelDir = *dir
	}
	if *module != "" {
		cfg.TargetModule = *module
	}
	if *imageBase != 0 {
		cfg.ImageBase = config.HexAddr(*imageBase)
	}
	if *interval != 0 {
		cfg.PollInterval = config.Duration(*interval)
	}
	if cfg.TargetModule == "" {
		logger.Log("msg", "no target module configured", "hint", "pass --module or set targetModule in the config")
		os.Exit(1)
	}

	channel, err := protocol.NewFileChannel(cfg.ChannelDir, logger)
	if err != nil {
		logger.Log("msg", "channel setup failed", "dir", cfg.ChannelDir, "err", err)
		os.Exit(1)
	}
	defer channel.Close()

	registry := history.NewRegistry()
	hist := history.NewLog(cfg.HistoryLimit, registry, logger)
	pred := predict.New(cfg.DecodeCacheSize, logger)
	console := newConsole(cfg.TargetModule, uint64(cfg.ImageBase))

	mon := monitor.New(channel, console, hist, pred, monitor.Options{
		PollInterval: cfg.PollInterval.Std(),
		CommandDir:   cfg.ChannelDir,
	}, logger)

	printBanner(cfg.ChannelDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- mon.Run(ctx) }()

	runCommandLoop(mon, hist, pred, channel.Breakpoints, cancel)

	if err := <-errCh; err != nil && err != context.Canceled {
		logger.Log("msg", "monitor exited", "err", err)
		os.Exit(1)
	}
}

func printBanner(dir string) {
	head := color.New(color.FgCyan, color.Bold)
	head.Println(version.Info())
	fmt.Printf("Exchange directory: %s\n", dir)
	fmt.Println("After every debugger step, run the command script:")
	fmt.Printf("    $$>a< %s\n\n", dir+string(os.PathSeparator)+protocol.CommandFileName)
}
