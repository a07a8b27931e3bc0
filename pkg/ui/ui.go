// Package ui prints the tagged, optionally colored status lines shared by
// all commands.
package ui

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorRed    = "\033[0;31m"
)

// Printer writes [INFO]/[WARN]/[ERROR] lines to a single output stream.
type Printer struct {
	out   io.Writer
	color bool
}

// New builds a Printer. Color is suppressed when NO_COLOR is set.
func New(out io.Writer) *Printer {
	_, noColor := os.LookupEnv("NO_COLOR")
	return &Printer{out: out, color: !noColor}
}

// NewPlain builds a Printer that never emits color codes.
func NewPlain(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) Info(format string, args ...interface{}) {
	p.tagged(colorGreen, "[INFO]", format, args...)
}

func (p *Printer) Warn(format string, args ...interface{}) {
	p.tagged(colorYellow, "[WARN]", format, args...)
}

func (p *Printer) Error(format string, args ...interface{}) {
	p.tagged(colorRed, "[ERROR]", format, args...)
}

// Plain writes an untagged line, used for summaries and listings.
func (p *Printer) Plain(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *Printer) tagged(color, tag, format string, args ...interface{}) {
	if p.color {
		tag = color + tag + colorReset
	}
	fmt.Fprintf(p.out, tag+" "+format+"\n", args...)
}
