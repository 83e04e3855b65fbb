package storagecore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mount marks this subfile as attached to its owning schema and marks
// it accessible again. Attach does not check the mount state, so an
// unmounted but open subfile still serves pages. A newly created Subfile mounts
// itself when Config.Mounted is set; otherwise callers mount it
// explicitly once whatever external bookkeeping they need is ready.
func (s *Subfile) Mount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = true
	s.accessible = true
	return nil
}

// Unmount detaches this subfile without closing its file handle. A
// subsequent Mount reattaches it.
func (s *Subfile) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = false
	return nil
}

// IsMounted reports whether Mount has been called since the last
// Unmount.
func (s *Subfile) IsMounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// IsAccessible reports whether this subfile can currently serve
// Attach/AllocatePage calls. It goes false when recovery fails (see
// AvailabilitySink, which has then already been told) and when the
// subfile is closed; Mount and a successful Restore set it true again.
func (s *Subfile) IsAccessible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessible
}

// BeginRead pins the current committed version so the free list won't
// recycle a page this reader might still reach, for the duration of a
// long-running read that outlives a single Attach/Detach pair.
func (s *Subfile) BeginRead() *readerHandle {
	s.mu.Lock()
	v := s.version
	s.mu.Unlock()
	return s.readers.begin(v)
}

// EndRead releases a handle obtained from BeginRead.
func (s *Subfile) EndRead(rh *readerHandle) {
	s.readers.end(rh)
}

// Flush persists every page fixed for write this transaction: freed
// pages are pushed to the free list, the file and its mapping are
// grown if any new pages were appended, every pending page body is
// copied into its mapped slot with a fresh CRC, and finally the master
// page is rewritten and fsynced.
func (s *Subfile) Flush(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Cancelled() {
		return ErrCancel
	}
	if len(s.freed) > 0 {
		s.free.push(s.freed)
		s.freed = nil
	}
	npages := s.pageUsed + s.nappend
	if err := s.extendFile(npages); err != nil {
		return err
	}
	if err := s.extendMmap(npages); err != nil {
		return err
	}
	for id, data := range s.updates {
		if data == nil {
			continue
		}
		full := s.mappedPageFull(id)
		copy(full, data)
		writePageCRC(full)
	}
	s.pageUsed = npages
	s.nappend = 0
	s.updates = map[PageID][]byte{}
	for id, p := range s.pages {
		if p.refs == 0 {
			p.dirty = false
			delete(s.pages, id)
		}
	}
	s.version++
	if err := s.fp.Sync(); err != nil {
		return fmt.Errorf("storagecore: fsync %s: %w", s.name, err)
	}
	if err := s.masterStore(); err != nil {
		return err
	}
	// masterStore just pwrote page 0's master-header prefix independent
	// of the body write above (if page 0 was itself dirtied this
	// transaction); recompute its trailer now that both halves are
	// final, or Attach's next CRC check on page 0 fails spuriously.
	writePageCRC(s.mappedPageFull(0))
	if err := s.fp.Sync(); err != nil {
		return fmt.Errorf("storagecore: fsync %s master page: %w", s.name, err)
	}
	return nil
}

// Sync is an alias for Flush kept for callers that never mutate a
// page directly but still want committed data durable (e.g. after a
// Compaction pass run purely for its side effects).
func (s *Subfile) Sync(tx *Transaction) error { return s.Flush(tx) }

// GetSize returns the committed on-disk size in bytes: every page ever
// flushed, including the header page.
func (s *Subfile) GetSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.pageUsed) * uint64(s.pageSize)
}

// Truncate discards every page except page 0, whose body (beyond the
// master-page prefix) is zeroed, and shrinks the backing file to a
// single page. Any in-flight transaction state is dropped with the
// pages. The vector file's Clear is the only caller; a B-tree file
// empties itself page by page through Expunge instead.
func (s *Subfile) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ReadOnly {
		return fmt.Errorf("%w: truncate on a read-only subfile", ErrBadArgument)
	}
	for _, p := range s.pages {
		if p.refs > 0 {
			return fmt.Errorf("%w: truncate with page %d still fixed", ErrBadArgument, p.id)
		}
	}
	s.pages = map[PageID]*Page{}
	s.updates = map[PageID][]byte{}
	s.nappend = 0
	s.freed = nil
	s.free.head = 0
	s.pageUsed = 1

	full := s.mappedPageFull(0)
	for i := fileHeaderSize; i < len(full); i++ {
		full[i] = 0
	}
	if err := s.masterStore(); err != nil {
		return err
	}
	writePageCRC(full)
	if err := s.fp.Truncate(int64(s.pageSize)); err != nil {
		return fmt.Errorf("storagecore: truncate %s: %w", s.name, err)
	}
	s.mmapFileSize = int(s.pageSize)
	if err := s.fp.Sync(); err != nil {
		return fmt.Errorf("storagecore: fsync %s: %w", s.name, err)
	}
	return nil
}

// Close unmaps the file and closes its handle. Any pages still fixed
// are leaked (the caller is expected to have Detached everything and
// Flushed before calling Close).
func (s *Subfile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, chunk := range s.mmapChunks {
		if err := unmapFile(chunk); err != nil {
			return fmt.Errorf("storagecore: unmap %s: %w", s.name, err)
		}
	}
	if err := s.fp.Close(); err != nil {
		return fmt.Errorf("storagecore: close %s: %w", s.name, err)
	}
	s.closed = true
	s.accessible = false
	return nil
}

// Destroy closes and removes the subfile's backing file, e.g. for a
// Config.Temporary subfile. Nothing in this package calls it.
func (s *Subfile) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, s.name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storagecore: remove %s: %w", path, err)
	}
	return nil
}

// Move relocates the subfile's backing file to a new directory. The
// Subfile must be closed first: renaming a file out from under an
// open mmap is not attempted here.
func (s *Subfile) Move(newDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return fmt.Errorf("%w: Move requires %s to be closed first", ErrBadArgument, s.name)
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("storagecore: mkdir %s: %w", newDir, err)
	}
	oldPath := filepath.Join(s.dir, s.name)
	newPath := filepath.Join(newDir, s.name)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("storagecore: move %s: %w", s.name, err)
	}
	s.dir = newDir
	return nil
}

// StartBackup opens a second, independent read-only file handle onto
// the same path so a long-running backup copy can proceed without
// holding the Subfile's own write lock. Callers are responsible for
// closing the returned file.
func (s *Subfile) StartBackup() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, s.name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storagecore: start backup of %s: %w", s.name, err)
	}
	return f, nil
}

// EndBackup closes the *os.File returned by the matching StartBackup.
func (s *Subfile) EndBackup(f *os.File) error {
	return f.Close()
}

// Restore replaces this subfile's backing file with the contents of
// src, then reopens it. The Subfile must already be closed.
func (s *Subfile) Restore(src string) error {
	s.mu.Lock()
	if !s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: Restore requires %s to be closed first", ErrBadArgument, s.name)
	}
	s.mu.Unlock()

	dstPath := filepath.Join(s.dir, s.name)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("storagecore: read restore source %s: %w", src, err)
	}
	if err := os.WriteFile(dstPath, data, 0o644); err != nil {
		return fmt.Errorf("storagecore: write restored %s: %w", s.name, err)
	}
	return s.reopen()
}

// Recover is called after a mid-transaction failure: every page
// pending in this transaction's update set (never reached Flush) is
// discarded, and the in-memory page cache is dropped so the next
// Attach re-reads from the durably committed mapping. If the master
// page itself cannot be reloaded, the subfile is marked inaccessible
// and the AvailabilitySink is notified.
func (s *Subfile) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = map[PageID][]byte{}
	s.nappend = 0
	s.freed = nil
	for id, p := range s.pages {
		if p.refs == 0 {
			delete(s.pages, id)
		}
	}
	if err := s.masterLoad(); err != nil {
		s.accessible = false
		s.sink(s.name)
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return nil
}

func (s *Subfile) reopen() error {
	path := filepath.Join(s.dir, s.name)
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("storagecore: reopen %s: %w", s.name, err)
	}
	s.fp = fp
	sz, chunk, err := mmapInit(fp, s.pageSize)
	if err != nil {
		s.fp.Close()
		return fmt.Errorf("storagecore: mmap init %s: %w", s.name, err)
	}
	s.mmapFileSize = sz
	s.mmapTotal = len(chunk)
	s.mmapChunks = [][]byte{chunk}
	s.updates = map[PageID][]byte{}
	s.pages = map[PageID]*Page{}
	s.closed = false
	if err := s.masterLoad(); err != nil {
		return err
	}
	s.accessible = true
	return nil
}
