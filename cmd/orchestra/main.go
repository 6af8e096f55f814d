// Command orchestra runs the orchestration engine: as a long-lived service
// with recovery, schedules and a metrics endpoint, or one plan at a time.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: orchestra <command> [flags]

commands:
  serve      run the engine: recover interrupted plans, run schedules, serve /metrics
  run        submit a plan document and wait for it
  validate   check a plan document without running it
  graph      draw a plan document's waves (ascii or mermaid)
  install    write a settings file
  version    print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	var code int
	switch os.Args[1] {
	case "serve":
		code = runServe(args)
	case "run":
		code = runPlan(args)
	case "validate":
		code = runValidate(args)
	case "graph":
		code = runGraph(args)
	case "install":
		code = runInstall(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}
