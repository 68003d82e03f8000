package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var noColor bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "respond",
		Short:         "Resilient client for the responses API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			noColor, _ = cmd.Flags().GetBool("no-color")
			if os.Getenv("NO_COLOR") != "" {
				noColor = true
			}
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				level = os.Getenv("RESPOND_LOG_LEVEL")
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), parseLevel(level), noColor))
		},
	}

	root.PersistentFlags().Bool("no-color", false, "disable colored output")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default: log.level)")
	root.PersistentFlags().String("policy-file", "", "YAML recovery policy to layer over the configured one")
	root.PersistentFlags().String("preset", "", "recovery preset: default, conservative, aggressive")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newStreamCmd())
	root.AddCommand(newPollCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func newLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
