package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/client"
	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

const operatorTimeout = 20 * time.Second

// operator holds what the client-side commands share.
type operator struct {
	fs    *flag.FlagSet
	url   *string
	cfg   *config.Config
	input []string
}

func newOperator(name string, stderr io.Writer) *operator {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return &operator{
		fs:  fs,
		url: fs.String("url", os.Getenv("BROKER_URL"), "Broker base URL (defaults to http://BROKER_HOST:BROKER_PORT)"),
	}
}

// parse accepts flags before or after positional arguments.
func (o *operator) parse(args []string) error {
	for {
		if err := o.fs.Parse(args); err != nil {
			return err
		}
		rest := o.fs.Args()
		if len(rest) == 0 {
			return nil
		}
		o.input = append(o.input, rest[0])
		args = rest[1:]
	}
}

func (o *operator) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func (o *operator) baseURL() string {
	if *o.url != "" {
		return *o.url
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	return "http://" + cfg.Addr()
}

func (o *operator) agent() *client.Client { return client.New(o.baseURL(), o.cfg.APIToken) }
func (o *operator) phone() *client.Client { return client.New(o.baseURL(), o.cfg.PhoneAPIToken) }

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// fail prints err and returns the exit code. Broker errors print their body.
func fail(stderr io.Writer, err error) int {
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Body != nil {
		_, _ = fmt.Fprintf(stderr, "Error (%d):\n", apiErr.StatusCode)
		printJSON(stderr, apiErr.Body)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func runRequest(args []string, stdout, stderr io.Writer) int {
	o := newOperator("request", stderr)
	month := o.fs.Int("month", 0, "Statement month 1-12 (REQUIRED)")
	year := o.fs.Int("year", 0, "Statement year (REQUIRED)")
	key := o.fs.String("idempotency-key", "", "Idempotency key")
	agentRequestID := o.fs.String("agent-request-id", "", "Caller correlation id")
	if err := o.parse(args); err != nil {
		return 2
	}
	if *month == 0 || *year == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --month and --year are required")
		return 2
	}
	if err := o.load(); err != nil {
		return fail(stderr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	res, err := o.agent().Create(ctx, client.CreateInput{
		Month:          *month,
		Year:           *year,
		AgentRequestID: *agentRequestID,
		IdempotencyKey: *key,
	})
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, res)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	o := newOperator("status", stderr)
	if err := o.parse(args); err != nil {
		return 2
	}
	if len(o.input) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: puffer-broker status <request-id>")
		return 2
	}
	if err := o.load(); err != nil {
		return fail(stderr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	res, err := o.agent().Get(ctx, o.input[0])
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, res)
	return 0
}

func runPending(args []string, stdout, stderr io.Writer) int {
	o := newOperator("pending", stderr)
	if err := o.parse(args); err != nil {
		return 2
	}
	if err := o.load(); err != nil {
		return fail(stderr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	envs, err := o.phone().Pending(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{"requests": envs})
	return 0
}

func runDecide(args []string, stdout, stderr io.Writer) int {
	o := newOperator("decide", stderr)
	if err := o.parse(args); err != nil {
		return 2
	}
	if len(o.input) != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: puffer-broker decide <request-id> APPROVE|DENY")
		return 2
	}
	d := requests.Decision(strings.ToUpper(o.input[1]))
	if !d.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: decision must be APPROVE or DENY, got %q\n", o.input[1])
		return 2
	}
	if err := o.load(); err != nil {
		return fail(stderr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	res, err := o.phone().Decide(ctx, o.input[0], d)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, res)
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	o := newOperator("health", stderr)
	if err := o.parse(args); err != nil {
		return 2
	}
	// Health needs no credentials, so a config error only loses the
	// configured address.
	_ = o.load()

	ctx, cancel := context.WithTimeout(context.Background(), operatorTimeout)
	defer cancel()
	if err := client.New(o.baseURL(), "").Health(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
