//go:build linux

package shmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
)

// OSProvider implements Mapper against anonymous mmap'd host memory,
// standing in for ar_osal_shmem_ion.c/ar_osal_shmem_db.c's ION-backed
// physically-contiguous allocation; platform ION/dma-buf mechanics are not
// this package's concern. It hands the DSP side a page-offset handle
// rather than a physical address, matching the "offset mode" path
// gsl_shmem_mgr.c falls back to when a platform has no IOMMU identity
// mapping.
type OSProvider struct {
	mu     sync.Mutex
	nextID uint32
	regions map[uint32][]byte
}

func NewOSProvider() *OSProvider {
	return &OSProvider{regions: make(map[uint32][]byte)}
}

// MapRegions mmaps an anonymous, page-aligned region and madvises it
// MADV_DONTFORK, since a forked child inheriting a live DSP mapping would
// double-map the same physical pages.
func (p *OSProvider) MapRegions(ssMask uint32, master uint32, sizeBytes uint32, flags AllocFlag) (uint32, uint64, bool, error) {
	size := int(alignUp(sizeBytes, PageSize))
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, 0, false, arerr.Wrap(arerr.ENOMEMORY, "shmem.OSProvider.MapRegions: mmap", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTFORK); err != nil {
		log.Warn("madvise MADV_DONTFORK failed", "err", err)
	}

	p.mu.Lock()
	p.nextID++
	handle := p.nextID
	p.regions[handle] = data
	p.mu.Unlock()

	return handle, 0, true, nil // offset-mode: DSP addresses this region by page offset, not physical address
}

func (p *OSProvider) UnmapRegions(ssMask, master, spfHandle uint32) error {
	p.mu.Lock()
	data, ok := p.regions[spfHandle]
	delete(p.regions, spfHandle)
	p.mu.Unlock()
	if !ok {
		return arerr.New(arerr.ENOTFOUND, fmt.Sprintf("shmem.OSProvider.UnmapRegions: unknown handle %d", spfHandle))
	}
	if err := unix.Munmap(data); err != nil {
		return arerr.Wrap(arerr.EFAILED, "shmem.OSProvider.UnmapRegions: munmap", err)
	}
	return nil
}
