package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	// A missing .env is fine. Values in the file override the environment.
	_ = godotenv.Overload()

	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "sign-manifest":
		return runSignManifest(args[2:], stdout, stderr)
	case "request":
		return runRequest(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "pending":
		return runPending(args[2:], stdout, stderr)
	case "decide":
		return runDecide(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "puffer-broker: approval broker for statement requests")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  puffer-broker <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "SERVER:")
	printCommand(w, "serve", "Run the broker (default)")
	printCommand(w, "migrate", "Apply database migrations and exit")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "OPERATOR:")
	printCommand(w, "request", "Create a statement request (--month --year [--idempotency-key])")
	printCommand(w, "status", "Show one request: status <id>")
	printCommand(w, "pending", "List envelopes awaiting approval")
	printCommand(w, "decide", "Approve or deny: decide <id> APPROVE|DENY")
	printCommand(w, "sign-manifest", "Write a signed completion manifest (--inbox --request-id --file [--nonce])")
	printCommand(w, "health", "Check that the broker is up")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-15s %s\n", name, desc)
}
