//go:build !kernel

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"helium/sim"
)

var (
	renderOut    string
	renderCell   int
	renderPlain  bool
	renderBlocks []string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Boot the machine and render the page bitmaps as a PNG",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sizes, err := parseSizes(renderBlocks)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		m, mgr, err := bootMachine(cfg)
		if err != nil {
			return err
		}
		defer m.Close()

		if _, err = runWorkload(cmd.OutOrStdout(), mgr, sizes, blockFlags(false), false); err != nil {
			return err
		}

		f, err := os.Create(renderOut)
		if err != nil {
			return err
		}

		opts := sim.RenderOptions{CellSize: renderCell, Labels: !renderPlain}
		if err = sim.RenderOccupancy(mgr.PMM(), f, opts); err != nil {
			_ = f.Close()
			return err
		}
		if err = f.Close(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", renderOut)
		return nil
	},
}

func init() {
	defaults := sim.DefaultRenderOptions()
	renderCmd.Flags().StringVarP(&renderOut, "output", "o", "occupancy.png", "PNG file to write")
	renderCmd.Flags().IntVar(&renderCell, "cell", defaults.CellSize, "cell edge in pixels")
	renderCmd.Flags().BoolVar(&renderPlain, "no-labels", !defaults.Labels, "omit the segment captions")
	renderCmd.Flags().StringSliceVar(&renderBlocks, "alloc", nil, "heap block sizes to allocate before rendering")
	rootCmd.AddCommand(renderCmd)
}
