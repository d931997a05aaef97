package mm

// Order selects one of the frame sizes supported by the MMU.
type Order uint8

const (
	// Order4K selects 4KiB frames mapped by page table entries.
	Order4K Order = iota

	// Order2M selects 2MiB frames mapped by page directory entries.
	Order2M

	// Order1G selects 1GiB frames mapped by page directory pointer entries.
	Order1G

	// Order512G is reserved; top-level entries cannot map frames.
	Order512G

	// OrderCount is the number of supported orders.
	OrderCount = int(Order512G) + 1

	// orderFactor is the number of entries in each page table level.
	orderFactor = 512
)

// OrderTable maps each Order to its frame size in bytes.
type OrderTable [OrderCount]uintptr

// NewOrderTable computes the frame size of each order. The table is built
// once while the memory manager boots and passed to every consumer.
func NewOrderTable() OrderTable {
	var t OrderTable
	size := PageSize
	for o := 0; o < OrderCount; o++ {
		t[o] = size
		size *= orderFactor
	}
	return t
}

// Size returns the frame size for order o.
func (t OrderTable) Size(o Order) uintptr {
	return t[o]
}

// Pages returns the number of base pages covered by a frame of order o.
func (t OrderTable) Pages(o Order) uintptr {
	return t[o] >> PageShift
}
