package hedged

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashhedge/hedge"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// Start parses the command line and config file, sets up logging and runs
// the daemon until shutdown is requested.
func Start() error {
	cfg := DefaultConfig()

	// Parse command line flags.
	parser := flags.NewParser(&cfg, flags.Default)
	_, err := parser.Parse()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Println(hedge.Version())
		return nil
	}

	// Parse ini file.
	hedgeDir := filepath.Join(hedgeDirBase, cfg.Network)
	if err := os.MkdirAll(hedgeDir, os.ModePerm); err != nil {
		return err
	}

	configFile := filepath.Join(hedgeDir, defaultConfigFilename)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the
		// config file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return err
		}
	}

	// Parse flags again to restore flags overwritten by ini parse.
	_, err = parser.Parse()
	if err != nil {
		return err
	}

	if err := Validate(&cfg); err != nil {
		return err
	}

	// Hook interceptor for os signals.
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	logWriter := build.NewRotatingLogWriter()
	SetupLoggers(logWriter, shutdownInterceptor)

	err = logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, "hedged.log"), cfg.MaxLogFileSize,
		cfg.MaxLogFiles,
	)
	if err != nil {
		return err
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
	if err != nil {
		return err
	}

	daemon, err := New(&cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-shutdownInterceptor.ShutdownChannel()
		log.Infof("Received shutdown signal")
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil &&
		err != context.Canceled {

		return err
	}

	return nil
}
