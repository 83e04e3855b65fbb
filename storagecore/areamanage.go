package storagecore

import (
	"encoding/binary"
	"fmt"
)

// Area-manage page layout (body = Page.Raw(), PageID never 0 — page 0
// is always the subfile's NonManagePage header):
//
//	| topAreaID u16 | liveCount u16 | tailOffset u32 | directory ... | free space | payload ... |
//	|<--------------- areaManageHeaderSize (8B) ------------------->|
//
// directory has topAreaID entries of areaDirEntrySize (4B) each:
// { offset u16, length u16 }. A tombstoned (freed) entry has
// offset == 0xFFFF. Payload is bump-allocated from the end of the
// page downward toward the end of the directory (classic slotted
// page; Compaction repacks the payload region when freed space
// fragments).
//
// This is the backing store for the direct-area façade: callers get
// back (PageID, AreaID) pairs they treat as durable pointers.

func (p *Page) topAreaIDField() uint16    { return binary.LittleEndian.Uint16(p.Raw()[0:2]) }
func (p *Page) setTopAreaIDField(v uint16) { binary.LittleEndian.PutUint16(p.Raw()[0:2], v) }
func (p *Page) liveCountField() uint16     { return binary.LittleEndian.Uint16(p.Raw()[2:4]) }
func (p *Page) setLiveCountField(v uint16) { binary.LittleEndian.PutUint16(p.Raw()[2:4], v) }
func (p *Page) tailOffsetField() uint32    { return binary.LittleEndian.Uint32(p.Raw()[4:8]) }
func (p *Page) setTailOffsetField(v uint32) {
	binary.LittleEndian.PutUint32(p.Raw()[4:8], v)
}

func (p *Page) dirEntryOffset(id AreaID) int {
	return areaManageHeaderSize + int(id)*areaDirEntrySize
}

func (p *Page) getDirEntry(id AreaID) (offset, length uint16) {
	pos := p.dirEntryOffset(id)
	body := p.Raw()
	return binary.LittleEndian.Uint16(body[pos:]), binary.LittleEndian.Uint16(body[pos+2:])
}

func (p *Page) setDirEntry(id AreaID, offset, length uint16) {
	pos := p.dirEntryOffset(id)
	body := p.Raw()
	binary.LittleEndian.PutUint16(body[pos:], offset)
	binary.LittleEndian.PutUint16(body[pos+2:], length)
}

// initAreaManagePage zero-initializes a freshly allocated area-manage
// page's header so its directory is empty and the full body is free.
func (p *Page) initAreaManagePage() {
	p.setTopAreaIDField(0)
	p.setLiveCountField(0)
	p.setTailOffsetField(uint32(len(p.Raw())))
	p.areaCount = 0
}

func (p *Page) allocateAreaImpl(data []byte) (AreaID, error) {
	if len(data) > 0xFFFF {
		return NoArea, fmt.Errorf("%w: area payload too large (%d bytes)", ErrBadArgument, len(data))
	}
	top := p.topAreaIDField()
	dirEnd := areaManageHeaderSize + int(top)*areaDirEntrySize
	tail := int(p.tailOffsetField())
	need := len(data)
	if tail-dirEnd-areaDirEntrySize < need {
		return NoArea, fmt.Errorf("storagecore: page %d has no room for a %d-byte area", p.id, need)
	}
	newTail := tail - need
	body := p.Raw()
	copy(body[newTail:newTail+need], data)
	id := AreaID(top)
	p.setDirEntry(id, uint16(newTail), uint16(need))
	p.setTopAreaIDField(top + 1)
	p.setLiveCountField(p.liveCountField() + 1)
	p.setTailOffsetField(uint32(newTail))
	p.areaCount = top + 1
	p.MarkDirty()
	return id, nil
}

func (p *Page) freeAreaImpl(id AreaID) error {
	if uint32(id) >= uint32(p.topAreaIDField()) {
		return fmt.Errorf("%w: area %d out of range", ErrBadArgument, id)
	}
	offset, _ := p.getDirEntry(id)
	if offset == 0xFFFF {
		return fmt.Errorf("%w: area %d already free", ErrBadArgument, id)
	}
	p.setDirEntry(id, 0xFFFF, 0)
	if lc := p.liveCountField(); lc > 0 {
		p.setLiveCountField(lc - 1)
	}
	p.MarkDirty()
	return nil
}

func (p *Page) readAreaImpl(id AreaID) ([]byte, error) {
	if uint32(id) >= uint32(p.topAreaIDField()) {
		return nil, fmt.Errorf("%w: area %d out of range", ErrBadArgument, id)
	}
	offset, length := p.getDirEntry(id)
	if offset == 0xFFFF {
		return nil, fmt.Errorf("%w: area %d is free", ErrNotFound, id)
	}
	body := p.Raw()
	return body[offset : offset+length], nil
}

func (p *Page) writeAreaImpl(id AreaID, data []byte) error {
	if uint32(id) >= uint32(p.topAreaIDField()) {
		return fmt.Errorf("%w: area %d out of range", ErrBadArgument, id)
	}
	offset, length := p.getDirEntry(id)
	if offset == 0xFFFF {
		return fmt.Errorf("%w: area %d is free", ErrBadArgument, id)
	}
	if len(data) > int(length) {
		return fmt.Errorf("%w: area %d too small for %d bytes, use ReuseArea", ErrBadArgument, id, len(data))
	}
	body := p.Raw()
	copy(body[offset:offset+uint16(len(data))], data)
	p.setDirEntry(id, offset, uint16(len(data)))
	p.MarkDirty()
	return nil
}

// compactionImpl repacks live payloads against the end of the page,
// reclaiming space left by FreeArea/WriteArea shrinks. AreaIDs are
// stable across compaction: only directory offsets change.
func (p *Page) compactionImpl() error {
	top := p.topAreaIDField()
	type slot struct {
		id     AreaID
		data   []byte
		offset uint16
	}
	body := p.Raw()
	live := make([]slot, 0, top)
	for i := uint16(0); i < top; i++ {
		offset, length := p.getDirEntry(AreaID(i))
		if offset == 0xFFFF {
			continue
		}
		buf := make([]byte, length)
		copy(buf, body[offset:offset+length])
		live = append(live, slot{id: AreaID(i), data: buf})
	}
	tail := len(body)
	for i := range live {
		s := &live[i]
		tail -= len(s.data)
		copy(body[tail:], s.data)
		s.offset = uint16(tail)
	}
	for _, s := range live {
		p.setDirEntry(s.id, s.offset, uint16(len(s.data)))
	}
	p.setTailOffsetField(uint32(tail))
	p.MarkDirty()
	return nil
}
