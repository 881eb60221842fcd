package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"DriverSafetyCore/internal/config"
	"DriverSafetyCore/internal/store"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted lifecycle, defensive mode and sound snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.FromEnv().Store.Path
			}

			db, err := store.OpenBadger(store.BadgerConfig{Path: path, ReadOnly: true})
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer db.Close()

			dump, err := db.Dump()
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(dump))
			for k := range dump {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			for _, k := range keys {
				fmt.Fprintf(out, "%s:\n", k)
				var v interface{}
				if err := json.Unmarshal(dump[k], &v); err != nil {
					fmt.Fprintf(out, "  <undecodable: %v>\n", err)
					continue
				}
				if err := enc.Encode(v); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "state store directory (defaults to STORE_PATH)")
	return cmd
}
