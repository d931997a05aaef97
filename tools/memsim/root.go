//go:build !kernel

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"helium/kernel/kfmt"
	"helium/kernel/mm/kmem"
	"helium/sim"
)

var (
	machinePath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "memsim",
	Short:         "memsim - run the kernel memory manager on a simulated machine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: cmd.ErrOrStderr(), Prefix: []byte("kernel: ")})
		} else {
			kfmt.SetOutputSink(io.Discard)
		}
	},
}

// Execute runs the command selected by the process arguments.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&machinePath, "machine", "m", "", "YAML machine description (defaults to a 128MiB single core machine)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print kernel log output to stderr")
}

// loadConfig returns the machine description selected by --machine.
func loadConfig() (*sim.MachineConfig, error) {
	if machinePath == "" {
		return sim.DefaultConfig(), nil
	}
	return sim.LoadMachine(machinePath)
}

// bootMachine creates and boots the machine described by cfg. The caller
// must close the returned machine.
func bootMachine(cfg *sim.MachineConfig) (*sim.Machine, *kmem.Manager, error) {
	m, err := sim.NewMachine(cfg)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := m.Boot()
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, mgr, nil
}

// printSummary writes the segment table and the virtual layout state.
func printSummary(w io.Writer, m *sim.Machine, mgr *kmem.Manager) error {
	fmt.Fprintf(w, "state: %s\n", m.State())
	fmt.Fprintf(w, "cores: %d\n", m.Config.Cores)

	for i := 0; i < mgr.PMM().SegmentCount(); i++ {
		info, err := mgr.PMM().Segment(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "segment %d: base=0x%x size=0x%x pages=%d used=%d free=%d\n",
			i, info.Base, info.Size, info.TotalPages, info.UsedPages, info.FreePages)
	}

	fmt.Fprintf(w, "metadata: %d bytes\n", mgr.PMM().MetadataSize())
	fmt.Fprintf(w, "heap window: 0x%x-0x%x, %d bytes in use\n",
		mgr.VCache().Window().Start, mgr.VCache().Window().End(), mgr.VCache().Allocated())
	return nil
}
