// Command transferctl triggers and inspects background jobs by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-transfer/cmd/transferctl/cli"
)

func main() {
	redisAddr := flag.String("redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: transferctl [-redis addr] trigger <job> [shipment-id] | queues | scheduled\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cli.NewJobsCLI(*redisAddr)
	defer c.Close()

	if err := run(ctx, c, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.JobsCLI, args []string) error {
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("trigger needs a job name")
		}
		arg := ""
		if len(args) > 2 {
			arg = args[2]
		}
		info, err := c.Trigger(ctx, args[1], arg)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "queues":
		stats, err := c.InspectQueues()
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%-10s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
	case "scheduled":
		tasks, err := c.ListScheduled(20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
