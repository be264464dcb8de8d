package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanpama/graphcache/internal/cache"
)

func isProto(path string) bool {
	switch filepath.Ext(path) {
	case ".pb", ".bin":
		return true
	}
	return false
}

func readSnapshot(path string) (cache.Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if isProto(path) {
		return cache.UnmarshalProtoSnapshot(b)
	}
	return cache.UnmarshalSnapshot(b)
}

func writeSnapshot(path string, snap cache.Snapshot) error {
	if isProto(path) {
		b, err := snap.MarshalProto()
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return os.WriteFile(path, b, 0o644)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSON(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with persisted cache snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "List the entries of a snapshot with their freshness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			return inspectSnapshot(cmd, snap, time.Now().UnixMilli())
		},
	}, &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert a snapshot between JSON and protobuf (.pb) encodings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			return writeSnapshot(args[1], snap)
		},
	})
	return cmd
}

func inspectSnapshot(cmd *cobra.Command, snap cache.Snapshot, now int64) error {
	keys := make([]cache.Key, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, keyColor.Sprint("KEY")+"\t"+keyColor.Sprint("TYPE")+"\t"+keyColor.Sprint("FIELDS")+"\t"+keyColor.Sprint("FRESHNESS"))
	for _, k := range keys {
		e := snap[k]
		ent := cache.Entry{ExpiresAt: e.ExpiresAt, StaleWhileRevalidate: e.StaleWhileRevalidate}
		f := cache.Fresh
		switch {
		case ent.Expired(now):
			f = cache.Expired
		case ent.Stale(now):
			f = cache.Stale
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", k, e.Typename, len(e.Fields), freshness(f))
	}
	return w.Flush()
}
