package storagecore

import "encoding/binary"

// Free-list node layout: a singly linked chain of plain pages, each
// holding { count:u16, next:PageID(u32) } followed by count entries
// of { ptr:PageID(u32), freedAtVersion:u64 }.
//
// The version tag lets pop refuse to hand back a page that an
// in-flight reader might still be able to see; the readerSet in
// txn.go supplies the horizon.
const (
	flHeaderSize = 2 + 4 // count + next
	flEntrySize  = 4 + 8 // PageID + version
)

func flCap(pageDataSize int) int {
	return (pageDataSize - flHeaderSize) / flEntrySize
}

func flSize(data []byte) uint16 { return binary.LittleEndian.Uint16(data[0:2]) }
func flSetSize(data []byte, n uint16) {
	binary.LittleEndian.PutUint16(data[0:2], n)
}
func flNext(data []byte) PageID { return PageID(binary.LittleEndian.Uint32(data[2:6])) }
func flSetNext(data []byte, next PageID) {
	binary.LittleEndian.PutUint32(data[2:6], uint32(next))
}
func flItem(data []byte, idx int) (PageID, uint64) {
	pos := flHeaderSize + idx*flEntrySize
	return PageID(binary.LittleEndian.Uint32(data[pos:])), binary.LittleEndian.Uint64(data[pos+4:])
}
func flSetItem(data []byte, idx int, ptr PageID, ver uint64) {
	pos := flHeaderSize + idx*flEntrySize
	binary.LittleEndian.PutUint32(data[pos:], uint32(ptr))
	binary.LittleEndian.PutUint64(data[pos+4:], ver)
}

// freeList tracks pages retired by FreePage until they are safe to
// reuse. It operates directly against the owning Subfile's raw
// page I/O (bypassing Attach/Detach refcounting) so that freeing a
// page never itself needs to free a page.
type freeList struct {
	s    *Subfile
	head PageID
}

type pageVersion struct {
	id  PageID
	ver uint64
}

// push adds freed pages to the head of the list, version-tagged with
// the transaction version that freed them.
func (fl *freeList) push(freed []pageVersion) {
	cap := flCap(int(fl.s.pageSize) - crcTrailerSize)
	for len(freed) > 0 {
		n := len(freed)
		if n > cap {
			n = cap
		}
		data := make([]byte, fl.s.pageSize-crcTrailerSize)
		flSetSize(data, uint16(n))
		flSetNext(data, fl.head)
		for i := 0; i < n; i++ {
			flSetItem(data, i, freed[i].id, freed[i].ver)
		}
		newHead := fl.s.rawAppendPage(data)
		fl.head = newHead
		freed = freed[n:]
	}
}

// pop returns a page free to reuse (its freed-at version is strictly
// before minReader), or Undefined if none is available yet.
func (fl *freeList) pop(minReader uint64) PageID {
	for fl.head != Undefined && fl.head != 0 {
		data := fl.s.rawReadPage(fl.head)
		n := int(flSize(data))
		if n == 0 {
			// the node itself is never reclaimed; an exhausted node is
			// simply skipped and its page stays allocated forever. A
			// rare, bounded leak in exchange for not needing free-list
			// nodes to free their own free-list nodes.
			fl.head = flNext(data)
			continue
		}
		ptr, ver := flItem(data, n-1)
		if ver >= minReader {
			// still possibly visible to an older reader; don't reuse yet.
			return Undefined
		}
		flSetSize(data, uint16(n-1))
		fl.s.rawWritePage(fl.head, data)
		return ptr
	}
	return Undefined
}

// total counts every pointer across the whole chain. Nothing in this
// package calls it; it walks the whole chain, so it is not for a hot
// path.
func (fl *freeList) total() int {
	n := 0
	id := fl.head
	for id != Undefined && id != 0 {
		data := fl.s.rawReadPage(id)
		n += int(flSize(data))
		id = flNext(data)
	}
	return n
}
