package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-isatty"

	"github.com/lysyi3m/feeder/app/cfg"
)

var options cfg.Options

func main() {
	parser := flags.NewParser(&options, flags.Default)
	parser.ShortDescription = "Feed synchronization and enrichment"
	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if command == nil {
			return nil
		}
		setupLogging(options.Debug)
		return command.Execute(args)
	}

	addCommands(parser)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		// go-flags prints the error.
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(newLogHandler(os.Stdout, level)))
}

// newLogHandler writes text to terminals and JSON everywhere else.
func newLogHandler(w io.Writer, level slog.Level) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.NewTextHandler(w, handlerOpts)
	}
	return slog.NewJSONHandler(w, handlerOpts)
}

func loadCfg() (*cfg.Cfg, error) {
	c, err := cfg.New(&options)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
