package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rendis/orchestra/internal/diagram"
	"github.com/rendis/orchestra/internal/planfile"
)

func runGraph(args []string) int {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii or mermaid")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestra graph [flags] <plan.json|plan.yaml|plan.hcl>")
		return 2
	}
	out, err := renderPlanFile(fs.Arg(0), *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func renderPlanFile(path, format string) (string, error) {
	def, err := planfile.Load(path)
	if err != nil {
		return "", err
	}
	m, err := diagram.Build(def, nil)
	if err != nil {
		return "", err
	}
	return diagram.Render(m, format)
}
