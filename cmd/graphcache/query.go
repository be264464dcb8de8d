package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanpama/graphcache/internal/client"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/policy"
	"github.com/hanpama/graphcache/internal/selection"
)

type queryFlags struct {
	operation   string
	vars        []string
	policy      string
	repeat      int
	watch       time.Duration
	snapshotIn  string
	snapshotOut string
}

func newQueryCmd(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <document | @file>",
		Short: "Resolve a GraphQL operation through the normalized cache",
		Long: `Resolve a GraphQL operation through the normalized cache.

Queries honour the fetch policy; --repeat resolves the same selections again
to show cache hits, --watch polls and prints every change. Mutations are sent
once. Subscriptions print payloads until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, g, f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.operation, "operation", "", "Operation name for multi-operation documents")
	fl.StringArrayVar(&f.vars, "var", nil, "Variable name=JSON. Repeatable")
	fl.StringVar(&f.policy, "fetch-policy", "", "Fetch policy for this query")
	fl.IntVar(&f.repeat, "repeat", 1, "Resolve the query this many times")
	fl.DurationVar(&f.watch, "watch", 0, "Poll at this interval and print changes")
	fl.StringVar(&f.snapshotIn, "snapshot.in", "", "Hydrate the cache from this snapshot first")
	fl.StringVar(&f.snapshotOut, "snapshot.out", "", "Write the cache snapshot here when done")
	return cmd
}

func readDocument(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	b, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(b), nil
}

func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, want name=JSON", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[name] = v
	}
	return vars, nil
}

func runQuery(cmd *cobra.Command, g *globals, f *queryFlags, arg string) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	src, err := readDocument(arg)
	if err != nil {
		return err
	}
	vars, err := parseVars(f.vars)
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	c := s.client

	if f.snapshotIn != "" {
		snap, err := readSnapshot(f.snapshotIn)
		if err != nil {
			return err
		}
		c.Hydrate(snap)
	}
	sels, err := selection.FromQuery(src, f.operation, vars, c.Types())
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	switch sels[0].Kind() {
	case selection.Mutation:
		res, err := c.Mutate(ctx, sels, client.MutateOptions{OperationName: f.operation})
		if err != nil {
			return err
		}
		if err := printResult(out, res.Data, res.Errors); err != nil {
			return err
		}
	case selection.Subscription:
		st, err := c.Subscription(ctx, sels, func(e client.Event) {
			if e.Err != nil {
				fmt.Fprintln(errOut, warningColor.Sprint("payload error: ")+e.Err.Error())
				return
			}
			_ = printResult(out, e.Data, e.Errors)
		})
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			st.Close()
			<-st.Done()
		case <-st.Done():
		}
		if err := st.Err(); err != nil {
			return err
		}
	default:
		if err := resolveQuery(ctx, c, f, sels, out, errOut); err != nil {
			return err
		}
	}

	if f.snapshotOut != "" {
		return writeSnapshot(f.snapshotOut, c.Cache().Snapshot())
	}
	return nil
}

func resolveQuery(ctx context.Context, c *client.Client, f *queryFlags, sels []*selection.Selection, out, errOut io.Writer) error {
	opts := client.ResolveOptions{OperationName: f.operation}
	if f.policy != "" {
		p, err := policy.Parse(f.policy)
		if err != nil {
			return err
		}
		opts.Policy = p
	}
	var updates chan client.Update
	if f.watch > 0 {
		updates = make(chan client.Update, 16)
	}
	sub := c.Subscribe(func(u client.Update) {
		if updates != nil {
			select {
			case updates <- u:
			default:
			}
		}
	})
	defer sub.Close()

	for i := 0; i < max(f.repeat, 1); i++ {
		res, err := sub.Resolve(ctx, sels, opts)
		if err != nil {
			return err
		}
		if err := printResult(out, res.Data, res.Errors); err != nil {
			return err
		}
		source := "network"
		if res.FromCache {
			source = "cache"
		}
		fmt.Fprintf(errOut, "%s %s from %s\n", infoColor.Sprint("freshness:"), freshness(res.Freshness), source)
		if res.Background != nil {
			_, _ = res.Background.Wait(ctx)
		}
	}
	if f.watch <= 0 {
		return nil
	}
	stopPoll := sub.Poll(f.watch)
	defer stopPoll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if u.Err != nil {
				fmt.Fprintln(errOut, warningColor.Sprint("poll: ")+u.Err.Error())
				continue
			}
			if err := printResult(out, u.Data, nil); err != nil {
				return err
			}
			fmt.Fprintf(errOut, "%s %d field(s) changed\n", infoColor.Sprint("update:"), len(u.Changes))
		}
	}
}

func printResult(w io.Writer, data map[string]any, errs map[string][]fetch.FieldError) error {
	body := map[string]any{"data": data}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	return writeJSON(w, body)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
