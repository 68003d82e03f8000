package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/respond/internal/recovery"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stderr receives status output. Tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+msg))
}

// notifyReset tells the user a request is being retried.
func notifyReset(_ context.Context, r recovery.Reset) {
	what := "retrying"
	if r.Pruned {
		what = "starting a fresh session"
	}
	printStep("%s after %s (retry %d)", what, r.Classification, r.RetryCount+1)
	if r.Message != "" {
		printStatus("Note", "%s", r.Message)
	}
}

func printInfo(info recovery.Info) {
	if info.RetryCount == 0 {
		return
	}
	printStatus("Retries", "%d", info.RetryCount)
	printStatus("Recovered from", "%s", info.FirstFailure)
	if info.ResetMessage != "" {
		printStatus("Reset", "%s", info.ResetMessage)
	}
}
