package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/houzhh15/procwatch/internal/log"
	"github.com/houzhh15/procwatch/internal/registry"
)

func init() {
	rootCmd.AddCommand(cmdList)
}

var cmdList = &cobra.Command{
	Use:   "list",
	Short: "List handler scripts found in the handlers directory",
	Long: `Scans the handlers directory once and prints the resulting handler registry,
the watch-list and any duplicate handlers that were dropped by the tie-break.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		reg, err := registry.Scan(cfg.Handlers.Dir, registry.ScanOptions{
			ExamplesDir:      cfg.Handlers.ExamplesDir,
			ScriptExtensions: cfg.Handlers.ScriptExtensions,
			Logger:           log.NewNop(),
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", cfg.Handlers.Dir, err)
		}

		printRegistry(cmd.OutOrStdout(), cfg.Handlers.Dir, reg)
		return nil
	},
}

// printRegistry 输出注册表、监控列表和冲突
func printRegistry(w io.Writer, dir string, reg *registry.Registry) {
	fmt.Fprintf(w, "Handlers directory: %s\n", dir)

	if reg.Len() == 0 {
		fmt.Fprintln(w, "No handlers registered")
		return
	}

	for _, kind := range []registry.Kind{registry.KindStart, registry.KindEnd, registry.KindUniversal} {
		for _, entry := range reg.Entries(kind) {
			fmt.Fprintf(w, "[%s] %s -> %s\n", kind, entry.ProcessName, filepath.Base(entry.ScriptPath))
		}
	}

	fmt.Fprintf(w, "Watch-list: %s\n", reg.WatchList())

	for _, c := range reg.Conflicts() {
		fmt.Fprintf(w, "conflict [%s] %s: kept %s, dropped %s\n",
			c.Kind, c.ProcessName, filepath.Base(c.Kept), filepath.Base(c.Dropped))
	}
}
