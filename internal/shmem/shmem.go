// Package shmem is the bin/page/block shared-memory allocator: physically
// contiguous pages mapped into one or more remote DSPs, carved into
// frame-aligned blocks with a doubly-linked free list for coalescing.
//
// Grounded directly on gsl_shmem_mgr.c (original_source/gsl/src):
// gsl_shmem_block/gsl_shmem_page become Block/Page, do_alloc_block/
// do_free_block become Page.alloc/Page.free with the same split-on-alloc,
// coalesce-on-free logic and LSB-as-used-bit block size word. golang.org/x/sys
// supplies the unix mmap/madvise flags the Linux OS-provider stub needs,
// mirroring ar_osal_shmem_ion.c/ar_osal_shmem_db.c behind a provider
// capability rather than reimplementing ION/dma-buf mechanics here.
package shmem

import (
	"fmt"
	"sync"

	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/arerr"
	"github.com/targoy-qti/audioreach-graphservices-sub004/internal/gsllog"
)

const (
	PageSizeShift = 12
	PageSize      = 1 << PageSizeShift // 4KB
	FrameSize     = 32                 // minimum block granularity, frame-aligned

	BinPreAllocScratch = 0 // bin 0: one 32KB page held for process lifetime
	BinScratch         = 1 // bin 1: growable small-allocation scratch
	BinDedicated       = 2 // bin 2: dedicated/CMA/non-master-only/>=16K pages

	PreAllocSize   = PageSize * 8 // 32KB bin-0 scratch page
	DedicatedFloor = 16 * 1024    // allocations >= this size always go to bin 2

	usedBit = 0x1
)

// AllocFlag mirrors the flag bits alloc_ext takes.
type AllocFlag uint32

const (
	FlagDedicatedPage AllocFlag = 1 << iota
	FlagLoaned
	FlagCMA
	FlagMapUncached
)

var log = gsllog.For("shmem")

// Handle is returned to callers; it is the only thing they need to free or
// address the allocation from either the host or the DSP side.
type Handle struct {
	VAddr         uintptr
	SPFAddr       uint64 // physical address, or page offset in offset-mode
	SPFMapHandle  uint32
	Metadata      uint32
	OffsetMode    bool
	page          *page
	blockIdx      int
}

// Block is a frame-aligned sub-range of a page; sizeBytes's LSB marks it
// used (1) or free (0), exactly mirroring gsl_shmem_block's bit-packed
// size_bytes field.
type block struct {
	baseOffset  uint32 // offset from page.vAddrBase; 0 + nil baseAddr sentinel not needed in Go, presence tracked via `live`
	sizeBytes   uint32
	predecessor int
	successor   int
	live        bool
}

func (b *block) used() bool { return b.sizeBytes&usedBit != 0 }
func (b *block) size() uint32 { return b.sizeBytes &^ usedBit }

// page is one physically-contiguous allocation mapped into one or more DSP
// subsystems.
type page struct {
	mu         sync.Mutex
	sizeBytes  uint32
	maxBlocks  int
	blocks     []block
	binIdx     int
	spfHandle  uint32
	spfSSMask  uint32
	spfAddr    uint64
	offsetMode bool
	masterProc uint32
}

// Mapper is the narrow SPF transport surface the allocator needs: emit the
// map/unmap command pair and block for the reply. Implemented by
// spftransport.NewMapper on top of the GPR facade; kept as an interface here
// so shmem has no import-time dependency on the transport facade. A nil
// Mapper leaves pages unmapped, with SPF handle 0 (mirrors the original's apm_cmd_shared_mem_map
// calls being routed through the generic GPR send path).
type Mapper interface {
	MapRegions(ssMask uint32, master uint32, sizeBytes uint32, flags AllocFlag) (spfHandle uint32, spfAddr uint64, offsetMode bool, err error)
	UnmapRegions(ssMask uint32, master uint32, spfHandle uint32) error
}

// Manager is the process-wide shared-memory manager, one per master SPF
// processor group in practice, but a single instance can serve many masters
// since every page carries its own master/bin bookkeeping.
type Manager struct {
	mu      sync.Mutex
	mapper  Mapper
	pages   map[int][]*page // keyed by bin index
}

// NewManager constructs the manager and immediately pre-allocates the bin-0
// scratch page against defaultMaster, mapped for the life of the process.
func NewManager(mapper Mapper, defaultMaster uint32) *Manager {
	m := &Manager{mapper: mapper, pages: make(map[int][]*page)}
	p, err := m.newPage(PreAllocSize, BinPreAllocScratch, defaultMaster, defaultMaster, 0)
	if err != nil {
		log.Error("bin-0 scratch pre-allocation failed", "err", err)
		return m
	}
	m.pages[BinPreAllocScratch] = append(m.pages[BinPreAllocScratch], p)
	return m
}

// AllocResult is what Alloc/AllocExt hand back to the caller.
type AllocResult struct {
	VAddr        uint64
	SPFAddr      uint64
	SPFMapHandle uint32
	OffsetMode   bool
	handle       *Handle
}

// Alloc is the simple form: maps into the master's own subsystem only, no
// special flags.
func (m *Manager) Alloc(sizeBytes uint32, masterProc uint32) (*AllocResult, error) {
	return m.AllocExt(sizeBytes, masterProc, 0, masterProc)
}

// AllocExt mirrors gsl_shmem_alloc_ext: ssMask is the set of subsystems the
// allocation must be reachable from, flags selects dedicated/CMA/loaned/
// uncached behaviour, and binSelection follows §4.C's bin-selection rule.
func (m *Manager) AllocExt(sizeBytes uint32, ssMask uint32, flags AllocFlag, masterProc uint32) (*AllocResult, error) {
	if sizeBytes == 0 {
		return nil, arerr.New(arerr.EBADPARAM, "shmem.AllocExt: zero size")
	}
	frameAligned := alignUp(sizeBytes, FrameSize)
	binIdx := selectBin(sizeBytes, ssMask, masterProc, flags)

	m.mu.Lock()
	defer m.mu.Unlock()

	if binIdx == BinPreAllocScratch {
		if res, ok := m.firstFitInBin(BinPreAllocScratch, ssMask, frameAligned); ok {
			return res, nil
		}
		// Bin 0 is one fixed-size page; it never grows, so overflow goes
		// to bin 1 instead of minting a second bin-0 page.
		binIdx = BinScratch
	}

	if res, ok := m.firstFitInBin(binIdx, ssMask, frameAligned); ok {
		return res, nil
	}

	// No existing page could satisfy the request; allocate a fresh one.
	pageSize := pageSizeFor(binIdx, frameAligned)
	np, err := m.newPage(pageSize, binIdx, ssMask, masterProc, flags)
	if err != nil {
		return nil, err
	}
	m.pages[binIdx] = append(m.pages[binIdx], np)
	idx, ok := np.firstFit(frameAligned)
	if !ok {
		return nil, arerr.New(arerr.ENOMEMORY, "shmem.AllocExt: fresh page too small")
	}
	off := np.alloc(idx, frameAligned)
	return m.buildResult(np, off, frameAligned), nil
}

// firstFitInBin scans every page in binIdx compatible with ssMask for one
// that fits frameAligned, allocating from the first match it finds. Caller
// holds m.mu.
func (m *Manager) firstFitInBin(binIdx int, ssMask uint32, frameAligned uint32) (*AllocResult, bool) {
	for _, p := range m.pages[binIdx] {
		if p.ssMaskCompatible(ssMask) {
			if idx, ok := p.firstFit(frameAligned); ok {
				off := p.alloc(idx, frameAligned)
				return m.buildResult(p, off, frameAligned), true
			}
		}
	}
	return nil, false
}

func (m *Manager) buildResult(p *page, offset uint32, size uint32) *AllocResult {
	spfAddr := p.spfAddr
	if p.offsetMode {
		spfAddr = uint64(offset)
	} else {
		spfAddr = p.spfAddr + uint64(offset)
	}
	return &AllocResult{
		VAddr:        uint64(offset),
		SPFAddr:      spfAddr,
		SPFMapHandle: p.spfHandle,
		OffsetMode:   p.offsetMode,
		handle:       &Handle{page: p, SPFMapHandle: p.spfHandle},
	}
}

// Free releases the allocation tracked by res back to its page, coalescing
// with free neighbours; if the whole page becomes one free block and it is
// not the bin-0 scratch page, the page is unmapped from SPF and released.
func (m *Manager) Free(res *AllocResult) error {
	if res == nil || res.handle == nil {
		return arerr.New(arerr.EBADPARAM, "shmem.Free: nil handle")
	}
	p := res.handle.page
	p.mu.Lock()
	idx := p.indexForOffset(uint32(res.VAddr))
	freedSize := p.free(idx)
	wholePageFree := freedSize == p.sizeBytes
	binIdx := p.binIdx
	p.mu.Unlock()

	if wholePageFree && binIdx != BinPreAllocScratch {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.mapper != nil {
			if err := m.mapper.UnmapRegions(p.spfSSMask, p.masterProc, p.spfHandle); err != nil {
				log.Error("unmap on full-page free failed", "err", err)
			}
		}
		list := m.pages[binIdx]
		for i, cand := range list {
			if cand == p {
				m.pages[binIdx] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return nil
}

func selectBin(size uint32, ssMask uint32, master uint32, flags AllocFlag) int {
	if flags&(FlagDedicatedPage|FlagCMA) != 0 || size >= DedicatedFloor || isNonMasterOnly(ssMask, master) {
		return BinDedicated
	}
	if size <= PreAllocSize {
		return BinPreAllocScratch
	}
	return BinScratch
}

func isNonMasterOnly(ssMask, master uint32) bool {
	return ssMask != 0 && ssMask&master == 0
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func pageSizeFor(binIdx int, need uint32) uint32 {
	if binIdx == BinDedicated {
		return alignUp(need, PageSize)
	}
	if need > PageSize {
		return alignUp(need, PageSize)
	}
	return PageSize
}

func (m *Manager) newPage(sizeBytes uint32, binIdx int, ssMask, masterProc uint32, flags AllocFlag) (*page, error) {
	maxBlocks := int(sizeBytes/FrameSize) + 1
	p := &page{
		sizeBytes: sizeBytes,
		maxBlocks: maxBlocks,
		blocks:    make([]block, maxBlocks),
		binIdx:    binIdx,
		masterProc: masterProc,
		spfSSMask:  ssMask,
	}
	for i := range p.blocks {
		p.blocks[i] = block{predecessor: -1, successor: -1}
	}
	p.blocks[0] = block{live: true, sizeBytes: sizeBytes, predecessor: -1, successor: -1}

	if m.mapper == nil {
		return p, nil
	}
	handle, spfAddr, offsetMode, err := m.mapper.MapRegions(ssMask, masterProc, sizeBytes, flags)
	if err != nil {
		return nil, arerr.Wrap(arerr.EFAILED, "shmem.newPage: map", err)
	}
	p.spfHandle = handle
	p.spfAddr = spfAddr
	p.offsetMode = offsetMode
	return p, nil
}

func (p *page) ssMaskCompatible(want uint32) bool {
	return p.spfSSMask&want == want
}

// firstFit scans blocks in increasing index order for the first free block
// large enough, mirroring §4.C's first-fit-across-bins-in-index-order rule
// (the page-internal half of it; bin iteration order is handled by the
// caller's slice order).
func (p *page) firstFit(need uint32) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.live && !b.used() && b.size() >= need {
			return i, true
		}
	}
	return 0, false
}

// alloc splits the found block if the remainder is >= one frame, then marks
// the (possibly shrunk) block used. alloc takes p.mu itself; firstFit has
// already released it, and callers hold Manager.mu across the
// firstFit/alloc pair so the found block cannot be taken in between.
func (p *page) alloc(foundIdx int, frameAligned uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := &p.blocks[foundIdx]
	baseOffset := found.baseOffset
	if found.size() > frameAligned {
		for i := range p.blocks {
			if !p.blocks[i].live {
				successorIdx := found.successor
				p.blocks[i] = block{
					live:        true,
					baseOffset:  baseOffset + frameAligned,
					sizeBytes:   found.size() - frameAligned,
					predecessor: foundIdx,
					successor:   successorIdx,
				}
				if successorIdx != -1 {
					p.blocks[successorIdx].predecessor = i
				}
				found.successor = i
				break
			}
		}
	}
	found.sizeBytes = frameAligned | usedBit
	return baseOffset
}

func (p *page) indexForOffset(offset uint32) int {
	for i := range p.blocks {
		if p.blocks[i].live && p.blocks[i].baseOffset == offset && p.blocks[i].used() {
			return i
		}
	}
	return -1
}

// free marks the block free and coalesces with an immediate free
// predecessor/successor, returning the resulting free-block size. Directly
// ports do_free_block's successor-then-predecessor merge order.
func (p *page) free(idx int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 {
		return 0
	}
	b := &p.blocks[idx]
	b.sizeBytes &^= usedBit

	if b.successor != -1 && !p.blocks[b.successor].used() {
		succ := b.successor
		succSucc := p.blocks[succ].successor
		b.sizeBytes += p.blocks[succ].size()
		b.successor = succSucc
		if succSucc != -1 {
			p.blocks[succSucc].predecessor = idx
		}
		p.blocks[succ] = block{predecessor: -1, successor: -1}
	}

	resulting := b.size()

	if b.predecessor != -1 && !p.blocks[b.predecessor].used() {
		pred := b.predecessor
		p.blocks[pred].sizeBytes += b.size()
		succ := b.successor
		p.blocks[pred].successor = succ
		if succ != -1 {
			p.blocks[succ].predecessor = pred
		}
		*b = block{predecessor: -1, successor: -1}
		resulting = p.blocks[pred].size()
	}

	return resulting
}

func (p *page) String() string {
	return fmt.Sprintf("page{bin=%d size=%d blocks=%d}", p.binIdx, p.sizeBytes, len(p.blocks))
}
