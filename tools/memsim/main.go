//go:build !kernel

// Command memsim boots the memory manager against a simulated machine and
// reports the resulting physical and virtual memory state.
package main

func main() {
	Execute()
}
