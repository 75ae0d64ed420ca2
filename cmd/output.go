package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

var out io.Writer = os.Stdout

func success(format string, args ...any) {
	successColor.Fprint(out, "✓ ")
	fmt.Fprintf(out, format+"\n", args...)
}

func warn(format string, args ...any) {
	warnColor.Fprint(out, "! ")
	fmt.Fprintf(out, format+"\n", args...)
}

func info(format string, args ...any) {
	infoColor.Fprintf(out, format+"\n", args...)
}
