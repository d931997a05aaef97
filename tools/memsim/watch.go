//go:build !kernel

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"helium/sim"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Boot the machine again every time its description file changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if machinePath == "" {
			return errors.New("watch requires --machine")
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer w.Close()

		// Editors replace files on save so the directory is watched
		if err = w.Add(filepath.Dir(machinePath)); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		reload(out, machinePath)
		return watchLoop(ctx, w.Events, w.Errors, machinePath, out)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchLoop reboots the machine for every write to path until ctx is done
// or the event channels are closed.
func watchLoop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, path string, out io.Writer) error {
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			reload(out, path)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "watch error: %v\n", err)
		}
	}
}

// reload boots a fresh machine from path and prints its summary. Failures
// are reported to out so the watch keeps running.
func reload(out io.Writer, path string) {
	fmt.Fprintf(out, "--- %s\n", path)

	cfg, err := sim.LoadMachine(path)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}

	m, mgr, err := bootMachine(cfg)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	defer m.Close()

	if err = printSummary(out, m, mgr); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
}
