package lintcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ffilint/ffilint/ir"
	"github.com/ffilint/ffilint/lint"
)

func shortPath(path string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	if rel, err := filepath.Rel(cwd, path); err == nil && len(rel) < len(path) {
		return rel
	}
	return path
}

func relativePositionString(pos ir.Pos) string {
	if !pos.IsValid() {
		return "-"
	}
	s := shortPath(pos.File)
	if s != "" {
		s += ":"
	}
	s += fmt.Sprintf("%d", pos.Line)
	if pos.Col > 0 {
		s += fmt.Sprintf(":%d", pos.Col)
	}
	return s
}

type formatter interface {
	Format(findings []lint.Finding)
}

type textFormatter struct {
	W io.Writer
}

func (o textFormatter) Format(fs []lint.Finding) {
	for _, f := range fs {
		fmt.Fprintf(o.W, "%s: %s (%s, %s)\n", relativePositionString(f.Pos), f.Message, f.Kind, f.Severity)
		for _, step := range f.Witness {
			fmt.Fprintf(o.W, "\t%s\n", step)
		}
	}
}

type jsonFormatter struct {
	W io.Writer
}

func (o jsonFormatter) Format(fs []lint.Finding) {
	type location struct {
		File   string `json:"file"`
		Line   int    `json:"line"`
		Column int    `json:"column,omitempty"`
	}
	type finding struct {
		Kind       string   `json:"kind"`
		Severity   string   `json:"severity"`
		Location   location `json:"location"`
		Allocation location `json:"allocation"`
		Message    string   `json:"message"`
		Witness    []string `json:"witness,omitempty"`
	}
	loc := func(pos ir.Pos) location {
		return location{File: pos.File, Line: pos.Line, Column: pos.Col}
	}
	enc := json.NewEncoder(o.W)
	for _, f := range fs {
		jf := finding{
			Kind:       f.Kind.String(),
			Severity:   f.Severity.String(),
			Location:   loc(f.Pos),
			Allocation: loc(f.AllocPos),
			Message:    f.Message,
			Witness:    f.Witness,
		}
		if err := enc.Encode(jf); err != nil {
			fmt.Fprintln(os.Stderr, "failed to format findings:", err)
			os.Exit(2)
		}
	}
}
