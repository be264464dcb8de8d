package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hanpama/graphcache/internal/schema"
)

func newSchemaCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the schema descriptor",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List object types with their identity field and cache lifetime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.Schema == "" {
				return errors.New("no schema configured (use --schema or the config file)")
			}
			sch, err := loadSchema(cfg.Schema)
			if err != nil {
				return err
			}
			return printKeys(cmd, sch)
		},
	})
	return cmd
}

func printKeys(cmd *cobra.Command, sch *schema.Schema) error {
	names := make([]string, 0, len(sch.Types))
	for name, t := range sch.Types {
		if t.Kind == schema.TypeKindObject || t.Kind == schema.TypeKindInterface {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, keyColor.Sprint("TYPE")+"\t"+keyColor.Sprint("KEY")+"\t"+keyColor.Sprint("MAX AGE"))
	for _, name := range names {
		t := sch.Types[name]
		key := t.KeyField
		if key == "" {
			key = warningColor.Sprint("(by path)")
		}
		maxAge := "-"
		if t.MaxAge != nil {
			maxAge = fmt.Sprintf("%ds", *t.MaxAge)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, key, maxAge)
	}
	return w.Flush()
}
