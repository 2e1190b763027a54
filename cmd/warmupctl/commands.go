package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
)

var errUsage = errors.New("invalid usage")

// cli runs operator commands against the engine
type cli struct {
	engine *core.Engine
	out    io.Writer
}

func newCLI(engine *core.Engine, out io.Writer) *cli {
	return &cli{engine: engine, out: out}
}

func (c *cli) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "start", "resume", "stop":
		id, err := oneArg(rest)
		if err != nil {
			return err
		}
		action := map[string]func(context.Context, string) error{
			"start":  c.engine.Lifecycle.Start,
			"resume": c.engine.Lifecycle.Resume,
			"stop":   c.engine.Lifecycle.Stop,
		}[cmd]
		if err := action(ctx, id); err != nil {
			return err
		}
		return c.status(ctx, id)

	case "pause":
		if len(rest) < 1 {
			return errUsage
		}
		reason := "paused by operator"
		if len(rest) > 1 {
			reason = strings.Join(rest[1:], " ")
		}
		if err := c.engine.Lifecycle.Pause(ctx, rest[0], reason); err != nil {
			return err
		}
		return c.status(ctx, rest[0])

	case "status":
		id, err := oneArg(rest)
		if err != nil {
			return err
		}
		return c.status(ctx, id)

	case "logs":
		if len(rest) < 1 || len(rest) > 2 {
			return errUsage
		}
		limit := 20
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("limit must be a positive integer: %w", errUsage)
			}
			limit = n
		}
		entries, err := c.engine.Logs(ctx, rest[0], limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(c.out, "%s  %-8s  %-8s  %-30s  %s\n",
				e.SentAt.Format(time.RFC3339), e.Kind, e.Status, e.ToAddress, e.Subject)
		}
		return nil

	case "sync":
		id, err := oneArg(rest)
		if err != nil {
			return err
		}
		res, err := c.engine.Sync.Sync(ctx, id)
		if err != nil {
			return err
		}
		return c.print(res)

	case "schedule":
		id, err := oneArg(rest)
		if err != nil {
			return err
		}
		res, err := c.engine.Scheduler.Schedule(ctx, id)
		if err != nil {
			return err
		}
		return c.print(res)

	case "score":
		id, err := oneArg(rest)
		if err != nil {
			return err
		}
		score, ok, err := c.engine.Scorer.Score(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(c.out, "no warmup sends yet; score unchanged")
			return nil
		}
		fmt.Fprintf(c.out, "reputation: %d\n", score)
		return nil

	case "remediate":
		report, err := c.engine.Remediator.Run(ctx)
		if err != nil {
			return err
		}
		return c.print(report)

	case "reset":
		n, err := c.engine.ResetDailyCounters(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "reset %d accounts\n", n)
		return nil

	case "dns-check":
		domain, err := oneArg(rest)
		if err != nil {
			return err
		}
		check, err := c.engine.CheckDomain(ctx, domain)
		if err != nil {
			return err
		}
		return c.print(check)
	}

	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func (c *cli) status(ctx context.Context, id string) error {
	overview, err := c.engine.Lifecycle.Status(ctx, id)
	if err != nil {
		return err
	}
	return c.print(overview)
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneArg(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", errUsage
	}
	return args[0], nil
}
