package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

type style string

const (
	styleReset  style = "\033[0m"
	styleRed    style = "\033[31m"
	styleGreen  style = "\033[32m"
	styleYellow style = "\033[33m"
	styleTitle  style = "\033[1;36m"
	styleDim    style = "\033[2m"
)

// useColor reports whether w is a terminal and NO_COLOR is unset.
func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func paint(w io.Writer, s style, text string) string {
	if !useColor(w) {
		return text
	}
	return string(s) + text + string(styleReset)
}

// Status lines go to stderr so stdout stays machine readable.
func printStatus(w io.Writer, s style, mark, message string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, s, mark), message)
}

func printSuccess(w io.Writer, message string) { printStatus(w, styleGreen, "✓", message) }
func printError(w io.Writer, message string)   { printStatus(w, styleRed, "✗", message) }
func printWarning(w io.Writer, message string) { printStatus(w, styleYellow, "!", message) }

func printHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n", paint(w, styleTitle, title), paint(w, styleDim, strings.Repeat("─", len(title))))
}

// printTable aligns rows into columns under headers.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}
