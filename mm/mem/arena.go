package mem

import "golang.org/x/sys/unix"

// mmapAnon reserves size bytes of anonymous, zero-filled memory with a fixed
// virtual address for the life of the mapping, via golang.org/x/sys/unix.
// An ordinary make([]byte, size) slice can be relocated by a moving
// allocator; a raw mmap region cannot, which is what the direct-map
// arithmetic in PageBytes/Bytes depends on (the same reason biscuit's
// Physmem_t requires runtime.Get_phys() physical pages instead of ordinary
// Go heap memory for Pg_t storage).
func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// munmapAnon releases memory obtained from mmapAnon. Exposed for tests that
// construct and tear down many allocators.
func munmapAnon(b []byte) error {
	return unix.Munmap(b)
}

// Close releases the allocator's backing arena. Hosted-only; a boot-time
// allocator built over the real bootloader memory map has no arena to
// unmap.
func (a *Allocator) Close() error {
	if a.arena == nil {
		return nil
	}
	err := munmapAnon(a.arena)
	a.arena = nil
	return err
}
