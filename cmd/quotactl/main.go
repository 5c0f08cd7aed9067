// Package main is an operator CLI for reading and consuming user quotas
// through the internal routes of the quota service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/companionhq/quotaservice/internal/quotaclient"
)

const usage = `usage:
  quotactl [flags] quotas <user-id>
  quotactl [flags] consume <user-id> <quota-type>

flags:
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code. Consume exits 0 only when the action
// was allowed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("quotactl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("QUOTA_ADDR", "http://localhost:8080"), "quota service base URL")
	apiKey := fs.String("api-key", os.Getenv("INTERNAL_API_KEY"), "internal API key")
	amount := fs.Int("amount", 1, "units to consume")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return 2
	}

	userID, err := uuid.Parse(rest[1])
	if err != nil {
		fmt.Fprintf(stderr, "invalid user id %q: %v\n", rest[1], err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := quotaclient.New(*addr, *apiKey)

	switch rest[0] {
	case "quotas":
		return printQuotas(ctx, client, userID, stdout, stderr)
	case "consume":
		if len(rest) < 3 {
			fs.Usage()
			return 2
		}
		if *amount < 1 {
			fmt.Fprintf(stderr, "invalid amount %d: must be a positive integer\n", *amount)
			return 2
		}
		return consume(ctx, client, userID, rest[2], *amount, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		fs.Usage()
		return 2
	}
}

func printQuotas(ctx context.Context, client *quotaclient.Client, userID uuid.UUID, stdout, stderr io.Writer) int {
	snap, err := client.GetUserQuotas(ctx, userID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	if len(snap.Quotas) == 0 {
		return 1
	}

	if snap.Degraded {
		fmt.Fprintln(stdout, "DEGRADED: service unavailable, showing configured defaults")
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tUSED\tLIMIT\tREMAINING\tCAN USE\tRESETS IN")
	for _, q := range snap.Quotas {
		resets := "-"
		if q.ResetInHours != nil {
			resets = fmt.Sprintf("%dh", *q.ResetInHours)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%t\t%s\n", q.Type, q.Used, q.Limit, q.Remaining, q.CanUse, resets)
	}
	_ = tw.Flush()

	if snap.Degraded {
		return 1
	}
	return 0
}

func consume(ctx context.Context, client *quotaclient.Client, userID uuid.UUID, quotaType string, amount int, stdout, stderr io.Writer) int {
	out, err := client.Consume(ctx, userID, quotaType, amount)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}

	fmt.Fprintf(stdout, "%s: %s\n", out.Kind, out.Message)
	if out.Result != nil {
		fmt.Fprintf(stdout, "used %d of %d, %d remaining\n", out.Result.Used, out.Result.Limit, out.Result.Remaining)
	}

	if !out.Allowed() {
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
