// Command substrated is the operational shell around a substrate engine:
// inspect and repair WAL files, list runs, and move run bundles in and out
// of an engine directory. It is tooling over the public engine API, not a
// server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	substrate "github.com/agentsubstrate/substrate"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var walPath, configPath string
	var repair bool
	var verbose bool

	root := &cobra.Command{
		Use:   "substrated",
		Short: "operate on a substrate engine's WAL and run bundles",
	}
	root.PersistentFlags().StringVar(&walPath, "wal", "substrate.wal", "path to the engine WAL file")
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.PersistentFlags().BoolVar(&repair, "repair", false, "discard inconsistent WAL transaction groups instead of refusing to open")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	open := func() (*substrate.Engine, error) {
		logger := zap.NewNop()
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return nil, err
			}
			logger = l
		}
		opts := []substrate.Option{substrate.WithTTLSweepInterval(0)}
		if configPath != "" {
			fileOpts, err := loadConfig(configPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, fileOpts...)
		}
		opts = append(opts, substrate.WithLogger(logger))
		if repair {
			opts = append(opts, substrate.WithRepair())
		}
		return substrate.Open(walPath, opts...)
	}

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "open the WAL, replay it, and report what recovered",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open()
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			fmt.Printf("ok: current version %d, %d runs\n", eng.CurrentVersion(), len(eng.ListRuns()))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "runs",
		Short: "list every run and its lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open()
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			for _, meta := range eng.ListRuns() {
				fmt.Printf("%s\t%s\ttags=%d\n", meta.RunID, meta.Status, len(meta.Tags))
			}
			return nil
		},
	})

	exportCmd := &cobra.Command{
		Use:   "export <run-id> <dest-file>",
		Short: "export one run as a self-contained bundle archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := substrate.ParseRunID(args[0])
			if err != nil {
				return err
			}
			eng, err := open()
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			return eng.ExportRun(args[1], run)
		},
	}
	root.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import <src-file>",
		Short: "import a run bundle archive into this engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := open()
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			run, err := eng.ImportRun(args[0])
			if err != nil {
				return err
			}
			fmt.Println(run)
			return nil
		},
	}
	root.AddCommand(importCmd)

	return root
}
