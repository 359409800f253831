package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kalambet/carbbuild/internal/api"
	"github.com/kalambet/carbbuild/internal/jobs"
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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusLabel(s jobs.Status) string {
	switch s {
	case jobs.StatusSuccess:
		return colorize(colorGreen, s.String())
	case jobs.StatusFailed:
		return colorize(colorRed, s.String())
	case jobs.StatusPending:
		return colorize(colorYellow, s.String())
	}
	return s.String()
}

// printBuild writes a human-readable description of v.
func printBuild(w io.Writer, v api.BuildView) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Key:"), v.Key)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Status:"), statusLabel(v.Status))
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Spec:"), v.Spec)
	if v.Repeat > 0 {
		fmt.Fprintf(w, "%s %d\n", colorize(colorBold, "Repeat:"), v.Repeat)
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Builder version:"), v.Version)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Created:"), v.CreatedAt.Local().Format(time.DateTime))
	if v.FinishedAt != nil {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Finished:"), v.FinishedAt.Local().Format(time.DateTime))
	}
	if v.FailReason != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Reason:"), v.FailReason)
	}
	if v.Status == jobs.StatusSuccess {
		fmt.Fprintf(w, "%s %v\n", colorize(colorBold, "PSF built:"), v.CompanionBuilt)
	}
	if len(v.Linkages) > 0 {
		fmt.Fprintf(w, "%s\n", colorize(colorBold, "Linkages:"))
		for _, l := range v.Linkages {
			fmt.Fprintf(w, "  %s\n", formatLinkage(l))
		}
	}
}

func formatLinkage(l api.LinkageView) string {
	first, second := l.FirstResidue, l.SecondResidue
	if l.FirstResidueID != "" {
		first = "#" + l.FirstResidueID + " " + first
	}
	if l.SecondResidueID != "" {
		second = "#" + l.SecondResidueID + " " + second
	}
	angles := []string{fmt.Sprintf("phi=%g", l.Phi), fmt.Sprintf("psi=%g", l.Psi)}
	for _, a := range l.Rest {
		angles = append(angles, fmt.Sprintf("%g", a))
	}
	return fmt.Sprintf("%s(%d->%d)%s  %s", first, l.FirstPosition, l.SecondPosition, second, strings.Join(angles, " "))
}
