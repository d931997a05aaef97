//go:build !kernel

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"helium/kernel/mm/kmem"
	"helium/kernel/mm/vmm"
)

var (
	allocHuge2M bool
	allocFree   bool
)

var allocCmd = &cobra.Command{
	Use:   "alloc <size>...",
	Short: "Boot the machine and allocate kernel heap blocks of the given sizes",
	Long: "Sizes accept decimal or 0x prefixed values with an optional K, M or G suffix.\n" +
		"Each block is backed by physically contiguous memory and mapped read-write.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizes, err := parseSizes(args)
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

		if _, err = runWorkload(cmd.OutOrStdout(), mgr, sizes, blockFlags(allocHuge2M), allocFree); err != nil {
			return err
		}
		return printSummary(cmd.OutOrStdout(), m, mgr)
	},
}

func init() {
	allocCmd.Flags().BoolVar(&allocHuge2M, "huge", false, "map blocks with 2MiB frames")
	allocCmd.Flags().BoolVar(&allocFree, "free", false, "release every block once all of them are allocated")
	rootCmd.AddCommand(allocCmd)
}

func blockFlags(huge bool) vmm.MapFlag {
	flags := vmm.FlagRead | vmm.FlagWrite
	if huge {
		flags |= vmm.FlagHuge2M
	}
	return flags
}

// runWorkload allocates one block per size and reports each of them to w.
// When release is set the blocks are freed in reverse order afterwards.
func runWorkload(w io.Writer, mgr *kmem.Manager, sizes []uintptr, flags vmm.MapFlag, release bool) ([]kmem.VBlock, error) {
	var blocks []kmem.VBlock
	for _, size := range sizes {
		b, err := mgr.AllocVBlock(size, flags)
		if err != nil {
			return blocks, fmt.Errorf("alloc 0x%x: %w", size, err)
		}

		fmt.Fprintf(w, "block 0x%x-0x%x -> phys 0x%x (segment %d)\n",
			b.Range.Start, b.Range.End(), b.Phys.Addr, b.Phys.Segment)
		blocks = append(blocks, b)
	}

	if !release {
		return blocks, nil
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		if err := mgr.FreeVBlock(blocks[i]); err != nil {
			return blocks[:i+1], fmt.Errorf("free 0x%x: %w", blocks[i].Range.Start, err)
		}
	}
	fmt.Fprintf(w, "released %d blocks\n", len(blocks))
	return nil, nil
}

func parseSizes(args []string) ([]uintptr, error) {
	sizes := make([]uintptr, 0, len(args))
	for _, arg := range args {
		size, err := parseSize(arg)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

// parseSize decodes sizes such as 4096, 0x1000, 16K or 2M.
func parseSize(s string) (uintptr, error) {
	var (
		shift uint
		num   = strings.TrimSpace(s)
	)

	if n := len(num); n > 0 {
		switch num[n-1] {
		case 'k', 'K':
			shift = 10
		case 'm', 'M':
			shift = 20
		case 'g', 'G':
			shift = 30
		}
		if shift != 0 {
			num = num[:n-1]
		}
	}

	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uintptr(v << shift), nil
}
