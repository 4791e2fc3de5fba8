package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// bandColor maps a quota color band to a terminal color.
func bandColor(band string) string {
	switch band {
	case "red":
		return colorRed
	case "yellow":
		return colorYellow
	default:
		return colorGreen
	}
}

const barWidth = 20

// quotaBar renders a fixed-width usage bar. Overruns fill the bar.
func quotaBar(percentage int, band string) string {
	filled := min(max(percentage*barWidth/100, 0), barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return colorize(bandColor(band), bar)
}

// ago formats an epoch-millisecond timestamp relative to now.
func ago(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func fprintKV(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, key+":"), value)
}
