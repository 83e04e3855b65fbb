package storagecore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// subfileSig is the master page's signature, checked on every mount.
const subfileSig = "STORCORE"

// Master page layout (page 0, first fileHeaderSize bytes):
// | sig(8B) | version(4B) | pageUsed(4B) | freeListHead(4B) | reserved(12B) |
const (
	masterSigOff      = 0
	masterVersionOff  = 8
	masterPageUsedOff = 12
	masterFreeHeadOff = 16
)

// Subfile is the physical page layer's version-store collaborator:
// one mmap-backed file holding every page for one B-tree file, vector
// file or direct-area façade. All three subsystems in this package
// are layered over the same attach/allocate/free/flush surface.
type Subfile struct {
	mu sync.Mutex

	dir  string
	name string
	fp   *os.File
	cfg  Config

	pageSize uint32

	mmapFileSize int
	mmapTotal    int
	mmapChunks   [][]byte

	pageUsed uint32 // number of pages ever flushed, including page 0
	nappend  uint32 // pages appended this transaction, not yet flushed
	updates  map[PageID][]byte
	freed    []pageVersion

	free    *freeList
	readers readerSet
	version uint64

	pages map[PageID]*Page

	mounted    bool
	accessible bool
	closed     bool

	sink AvailabilitySink
}

// CreateSubfile opens (creating if absent) the subfile named name
// inside dir. A constructor rather than an Open method on a
// zero-value struct, so a missing Open call can't leave a
// half-initialized Subfile reachable.
func CreateSubfile(dir, name string, cfg Config, sink AvailabilitySink) (*Subfile, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = noopSink
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storagecore: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storagecore: open %s: %w", path, err)
	}

	s := &Subfile{
		dir:      dir,
		name:     name,
		fp:       fp,
		cfg:      cfg,
		pageSize: cfg.PageSize,
		updates:  map[PageID][]byte{},
		pages:    map[PageID]*Page{},
		sink:     sink,
	}
	s.free = &freeList{s: s}

	sz, chunk, err := mmapInit(fp, s.pageSize)
	if err != nil {
		s.fp.Close()
		return nil, fmt.Errorf("storagecore: mmap init: %w", err)
	}
	s.mmapFileSize = sz
	s.mmapTotal = len(chunk)
	s.mmapChunks = [][]byte{chunk}

	if err := s.masterLoad(); err != nil {
		s.fp.Close()
		return nil, err
	}
	s.mounted = cfg.Mounted
	s.accessible = true
	return s, nil
}

// masterLoad validates and reads page 0's header fields, or
// initializes them for a brand new file.
func (s *Subfile) masterLoad() error {
	if s.mmapFileSize == 0 {
		// The backing file is genuinely empty: mmapInit's mapping spans
		// it only virtually. Materialize page 0 on disk before anything
		// Attaches it, or the first read past EOF faults.
		if err := s.extendFile(1); err != nil {
			return err
		}
		s.pageUsed = 1 // page 0 is reserved for the master/header page
		if err := s.masterStore(); err != nil {
			return err
		}
		writePageCRC(s.mappedPageFull(0))
		if err := s.fp.Sync(); err != nil {
			return fmt.Errorf("storagecore: fsync %s: %w", s.name, err)
		}
		return nil
	}
	data := s.mmapChunks[0]
	if !bytes.Equal([]byte(subfileSig), data[masterSigOff:masterSigOff+8]) {
		return fmt.Errorf("%w: bad signature in %s", ErrBadDataPage, s.name)
	}
	version := binary.LittleEndian.Uint32(data[masterVersionOff:])
	if s.cfg.Version != 0 && version != s.cfg.Version {
		return fmt.Errorf("%w: %s format version %d, expected %d", ErrBadArgument, s.name, version, s.cfg.Version)
	}
	pageUsed := binary.LittleEndian.Uint32(data[masterPageUsedOff:])
	freeHead := PageID(binary.LittleEndian.Uint32(data[masterFreeHeadOff:]))
	maxPages := uint32(s.mmapFileSize) / s.pageSize
	if pageUsed < 1 || pageUsed > maxPages {
		return fmt.Errorf("%w: %s master page reports %d pages used, file holds %d", ErrBadDataPage, s.name, pageUsed, maxPages)
	}
	s.pageUsed = pageUsed
	s.free.head = freeHead
	return nil
}

// masterStore persists the master page via pwrite at offset 0, atomic
// independent of any other page I/O in flight.
func (s *Subfile) masterStore() error {
	var data [fileHeaderSize]byte
	copy(data[masterSigOff:], []byte(subfileSig))
	binary.LittleEndian.PutUint32(data[masterVersionOff:], s.cfg.Version)
	binary.LittleEndian.PutUint32(data[masterPageUsedOff:], s.pageUsed)
	binary.LittleEndian.PutUint32(data[masterFreeHeadOff:], uint32(s.free.head))
	if _, err := pwriteFile(s.fp.Fd(), data[:], 0); err != nil {
		return fmt.Errorf("storagecore: write master page: %w", err)
	}
	return nil
}

func mmapInit(fp *os.File, pageSize uint32) (int, []byte, error) {
	fi, err := fp.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("stat: %w", err)
	}
	if fi.Size()%int64(pageSize) != 0 {
		return 0, nil, fmt.Errorf("file size %d is not a multiple of page size %d", fi.Size(), pageSize)
	}
	mmapSize := 64 << 20
	for mmapSize < int(fi.Size()) {
		mmapSize *= 2
	}
	chunk, err := mmapFile(fp.Fd(), 0, mmapSize, prot_readwrite, map_shared)
	if err != nil {
		return 0, nil, fmt.Errorf("mmap: %w", err)
	}
	return int(fi.Size()), chunk, nil
}

const (
	prot_readwrite = 0x1 | 0x2
	map_shared     = 0x1
)

func (s *Subfile) extendMmap(npages uint32) error {
	need := int(npages) * int(s.pageSize)
	if s.mmapTotal >= need {
		return nil
	}
	chunk, err := mmapFile(s.fp.Fd(), int64(s.mmapTotal), s.mmapTotal, prot_readwrite, map_shared)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	s.mmapTotal += s.mmapTotal
	s.mmapChunks = append(s.mmapChunks, chunk)
	return nil
}

func (s *Subfile) extendFile(npages uint32) error {
	filePages := uint32(s.mmapFileSize) / s.pageSize
	if filePages >= npages {
		return nil
	}
	for filePages < npages {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	fileSize := int64(filePages) * int64(s.pageSize)
	if err := fallocateFile(s.fp.Fd(), 0, fileSize); err != nil {
		if err := s.fp.Truncate(fileSize); err != nil {
			return fmt.Errorf("storagecore: grow %s: %w", s.name, err)
		}
	}
	s.mmapFileSize = int(fileSize)
	return nil
}

// mappedPageBody returns a live view (no copy) into the mmap region
// backing id, sized to the usable (non-CRC) part of the page.
func (s *Subfile) mappedPageBody(id PageID) []byte {
	return s.mappedPageFull(id)[:s.pageSize-crcTrailerSize]
}

func (s *Subfile) mappedPageFull(id PageID) []byte {
	start := uint32(0)
	for _, chunk := range s.mmapChunks {
		pages := uint32(len(chunk)) / s.pageSize
		end := start + pages
		if uint32(id) < end {
			offset := s.pageSize * (uint32(id) - start)
			return chunk[offset : offset+s.pageSize]
		}
		start = end
	}
	panic("storagecore: page id out of mapped range")
}

func checkPageCRC(full []byte) bool {
	body := full[:len(full)-crcTrailerSize]
	want := binary.LittleEndian.Uint32(full[len(full)-crcTrailerSize:])
	return crc32.ChecksumIEEE(body) == want
}

func writePageCRC(full []byte) {
	body := full[:len(full)-crcTrailerSize]
	binary.LittleEndian.PutUint32(full[len(full)-crcTrailerSize:], crc32.ChecksumIEEE(body))
}

// --- raw page I/O, used directly by the free list so that freeing a
// page never itself needs to free a page. ---

func (s *Subfile) rawReadPage(id PageID) []byte {
	if data, ok := s.updates[id]; ok && data != nil {
		return data
	}
	return s.mappedPageBody(id)
}

func (s *Subfile) rawWritePage(id PageID, data []byte) {
	if id >= PageID(s.pageUsed) {
		s.updates[id] = data
		return
	}
	copy(s.mappedPageBody(id), data)
	writePageCRC(s.mappedPageFull(id))
}

func (s *Subfile) rawAppendPage(data []byte) PageID {
	id := PageID(s.pageUsed + s.nappend)
	s.nappend++
	s.updates[id] = data
	return id
}

// --- page attach/detach, the public fixed-buffer API every subsystem
// in this package is built on. ---

// Attach fixes page id into memory with the given mode, verifying its
// CRC trailer whenever it is read in from the mapped file (that is,
// whenever it is neither cached nor pending in this transaction's
// update set). kind determines how Content() interprets the
// page's header. priority is an optional eviction hint; omit it to
// get PriorityNormal.
func (s *Subfile) Attach(id PageID, mode FixMode, kind PageKind, priority ...Priority) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.accessible {
		return nil, ErrRecoveryFailed
	}
	if s.cfg.ReadOnly && mode.writable() {
		return nil, fmt.Errorf("%w: write fix on a read-only subfile", ErrBadArgument)
	}
	prio := PriorityNormal
	if len(priority) > 0 {
		prio = priority[0]
	}
	if p, ok := s.pages[id]; ok {
		p.refs++
		if mode.writable() {
			p.mode = mode
		}
		if prio > p.priority {
			p.priority = prio
		}
		return p, nil
	}

	var data []byte
	if pending, ok := s.updates[id]; ok {
		if pending == nil {
			return nil, fmt.Errorf("%w: page %d already freed this transaction", ErrBadDataPage, id)
		}
		data = pending
	} else {
		if uint32(id) >= s.pageUsed {
			return nil, fmt.Errorf("%w: page %d beyond %d allocated pages", ErrBadDataPage, id, s.pageUsed)
		}
		full := s.mappedPageFull(id)
		if !checkPageCRC(full) {
			return nil, fmt.Errorf("%w: crc mismatch on page %d", ErrBadDataPage, id)
		}
		data = make([]byte, s.pageSize-crcTrailerSize)
		copy(data, full[:len(full)-crcTrailerSize])
	}

	var areaCount uint16
	if kind == AreaManagePage || kind == DirectAreaPage {
		areaCount = binary.LittleEndian.Uint16(data[0:2])
	}
	p := &Page{id: id, kind: kind, mode: mode, data: data, owner: s, refs: 1, areaCount: areaCount, priority: prio}
	s.pages[id] = p
	return p, nil
}

// AllocatePage fixes a brand new page for write, reusing a retired
// page if the free list has one old enough that no open reader can
// still see it, otherwise appending one past end of file.
func (s *Subfile) AllocatePage(kind PageKind) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ReadOnly {
		return nil, fmt.Errorf("%w: allocate on a read-only subfile", ErrBadArgument)
	}
	minReader := s.readers.min(s.version)
	id := s.free.pop(minReader)
	data := make([]byte, s.pageSize-crcTrailerSize)
	if id == Undefined {
		id = s.rawAppendPage(data)
	} else {
		s.updates[id] = data
	}
	p := &Page{id: id, kind: kind, mode: FixWrite | FixAllocate, data: data, owner: s, refs: 1}
	s.pages[id] = p
	return p, nil
}

// FreePage retires a page, marking it unreachable from the next
// flushed version onward. It is not reusable until no reader that
// began before this transaction committed remains open.
func (s *Subfile) FreePage(p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, p.id)
	s.updates[p.id] = nil
	s.freed = append(s.freed, pageVersion{id: p.id, ver: s.version})
}

// Detach releases one fix on p. The page's buffer is retained in the
// attach cache until the owning Subfile is flushed.
func (s *Subfile) Detach(p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.refs > 0 {
		p.refs--
	}
	if p.dirty {
		s.updates[p.id] = p.data
	}
	if p.refs == 0 {
		p.epoch++
	}
}

// noteDirty is Page.MarkDirty's callback into its owning Subfile.
func (s *Subfile) noteDirty(id PageID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = data
}
