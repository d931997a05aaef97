package sim

import (
	"fmt"
	"io"

	"github.com/fogleman/gg"
	"helium/kernel"
	"helium/kernel/mm/pmm"
)

const (
	// pagesPerRow matches the width of one bitmap word.
	pagesPerRow = 64

	renderMargin = 8
	labelHeight  = 18
)

// RenderOptions controls the occupancy image.
type RenderOptions struct {
	// CellSize is the edge of the square drawn for each page, in pixels.
	CellSize int

	// Labels draws a caption with the segment range above each bitmap.
	Labels bool
}

// DefaultRenderOptions returns 2 pixel cells with labels.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{CellSize: 2, Labels: true}
}

// Colors used for the page cells and the background.
var (
	ColorUsed       = [3]float64{0.85, 0.2, 0.2}
	ColorFree       = [3]float64{0.2, 0.7, 0.3}
	colorBackground = [3]float64{1, 1, 1}
	colorText       = [3]float64{0, 0, 0}
)

// segmentLayout locates the first cell of a segment inside the image.
type segmentLayout struct {
	info pmm.SegmentInfo
	top  int
}

// RenderOccupancy draws the page bitmap of every segment of alloc as a PNG.
// Each row holds one bitmap word; pages are laid out left to right in bit
// order.
func RenderOccupancy(alloc *pmm.BitmapAllocator, w io.Writer, opts RenderOptions) error {
	if opts.CellSize <= 0 {
		return fmt.Errorf("cell size must be positive; got %d", opts.CellSize)
	}

	layouts, height, err := layoutSegments(alloc, opts)
	if err != nil {
		return err
	}

	dc := gg.NewContext(2*renderMargin+pagesPerRow*opts.CellSize, height)
	dc.SetRGB(colorBackground[0], colorBackground[1], colorBackground[2])
	dc.Clear()

	var (
		words []uint64
		kerr  *kernel.Error
	)
	for i, layout := range layouts {
		if words, kerr = alloc.Bitmap(i, words); kerr != nil {
			return kerr
		}

		if opts.Labels {
			dc.SetRGB(colorText[0], colorText[1], colorText[2])
			dc.DrawString(fmt.Sprintf("segment %d: 0x%x-0x%x %d/%d used", i,
				layout.info.Base, uintptr(layout.info.Base)+layout.info.Size,
				layout.info.UsedPages, layout.info.TotalPages,
			), renderMargin, float64(layout.top-labelHeight/3))
		}

		for page := uintptr(0); page < layout.info.TotalPages; page++ {
			c := ColorFree
			if words[page/pagesPerRow]&(1<<(page%pagesPerRow)) != 0 {
				c = ColorUsed
			}

			x, y := cellOrigin(layout, page, opts.CellSize)
			dc.SetRGB(c[0], c[1], c[2])
			dc.DrawRectangle(float64(x), float64(y), float64(opts.CellSize), float64(opts.CellSize))
			dc.Fill()
		}
	}

	return dc.EncodePNG(w)
}

func layoutSegments(alloc *pmm.BitmapAllocator, opts RenderOptions) ([]segmentLayout, int, error) {
	var (
		layouts []segmentLayout
		y       = renderMargin
	)

	for i := 0; i < alloc.SegmentCount(); i++ {
		info, err := alloc.Segment(i)
		if err != nil {
			return nil, 0, err
		}

		if opts.Labels {
			y += labelHeight
		}
		layouts = append(layouts, segmentLayout{info: info, top: y})

		rows := int((info.TotalPages + pagesPerRow - 1) / pagesPerRow)
		y += rows*opts.CellSize + renderMargin
	}

	return layouts, y, nil
}

func cellOrigin(layout segmentLayout, page uintptr, cellSize int) (int, int) {
	return renderMargin + int(page%pagesPerRow)*cellSize, layout.top + int(page/pagesPerRow)*cellSize
}
