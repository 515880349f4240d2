package fmq

import (
	"encoding/binary"
	"hash/crc32"
)

// STATUS region layout:
//
//	[0, 128)            header copy 0
//	[128, 256)          header copy 1
//	[256, 256+64*N)     slot records
//
// Header copies alternate on every commit. Each carries a sequence number and a
// CRC so a torn write leaves the other copy as the last committed state.
const (
	statusMagic   = 0x31514D46 // "FMQ1" little-endian
	statusVersion = 1

	headerSize   = 128
	headerCopies = 2
	slotSize     = 64
	slotsOffset  = headerSize * headerCopies

	// padMarker at a buffer offset means "skip to offset 0"
	padMarker     = ^uint64(0)
	padMarkerSize = 8

	maxNumSlots = 1 << 24
)

// Header offsets
const (
	hdrMagic        = 0   // u32
	hdrVersion      = 4   // u32
	hdrNumSlots     = 8   // u32
	hdrBufSize      = 12  // u32
	hdrOldestID     = 16  // u64
	hdrYoungestID   = 24  // u64
	hdrNextID       = 32  // u64
	hdrOldestSlot   = 40  // u32
	hdrYoungestSlot = 44  // u32
	hdrLastWrite    = 48  // i64
	hdrWriterPID    = 56  // u32
	hdrSeq          = 64  // u64
	hdrWriteOffset  = 72  // u64, end of the youngest committed payload
	hdrCRC          = 124 // u32, over [0, 124)
)

// Slot offsets
const (
	slotID      = 0  // u64
	slotTime    = 8  // i64
	slotType    = 16 // i32
	slotSubtype = 20 // i32
	slotOffset  = 24 // u64
	slotLen     = 32 // u64
	slotActive  = 40 // u8
)

// statusHeader is the decoded STATUS header. An empty queue has
// OldestID == NextID and YoungestID == OldestID-1.
type statusHeader struct {
	NumSlots     uint32
	BufSize      uint32
	OldestID     uint64
	YoungestID   uint64
	NextID       uint64
	OldestSlot   uint32
	YoungestSlot uint32
	LastWrite    int64
	WriterPID    uint32
	Seq          uint64
	WriteOffset  uint64
}

func newStatusHeader(geo Geometry) statusHeader {
	return statusHeader{
		NumSlots:     geo.NumSlots,
		BufSize:      geo.BufSize,
		OldestID:     1,
		YoungestID:   0,
		NextID:       1,
		OldestSlot:   0,
		YoungestSlot: geo.NumSlots - 1,
	}
}

func (h *statusHeader) count() uint64 {
	if h.YoungestID < h.OldestID {
		return 0
	}
	return h.YoungestID - h.OldestID + 1
}

func (h *statusHeader) empty() bool {
	return h.count() == 0
}

func (h *statusHeader) geometry() Geometry {
	return Geometry{NumSlots: h.NumSlots, BufSize: h.BufSize}
}

// slotIndex maps a message id to its ring index
func (h *statusHeader) slotIndex(id uint64) uint32 {
	return uint32((id - 1) % uint64(h.NumSlots))
}

func (h *statusHeader) marshal(b []byte) {
	clear(b[:headerSize])
	le := binary.LittleEndian
	le.PutUint32(b[hdrMagic:], statusMagic)
	le.PutUint32(b[hdrVersion:], statusVersion)
	le.PutUint32(b[hdrNumSlots:], h.NumSlots)
	le.PutUint32(b[hdrBufSize:], h.BufSize)
	le.PutUint64(b[hdrOldestID:], h.OldestID)
	le.PutUint64(b[hdrYoungestID:], h.YoungestID)
	le.PutUint64(b[hdrNextID:], h.NextID)
	le.PutUint32(b[hdrOldestSlot:], h.OldestSlot)
	le.PutUint32(b[hdrYoungestSlot:], h.YoungestSlot)
	le.PutUint64(b[hdrLastWrite:], uint64(h.LastWrite))
	le.PutUint32(b[hdrWriterPID:], h.WriterPID)
	le.PutUint64(b[hdrSeq:], h.Seq)
	le.PutUint64(b[hdrWriteOffset:], h.WriteOffset)
	le.PutUint32(b[hdrCRC:], crc32.ChecksumIEEE(b[:hdrCRC]))
}

// unmarshal decodes one header copy. ok is false when the copy is torn, was
// never written, or carries a foreign magic or version.
func (h *statusHeader) unmarshal(b []byte) (ok bool, reason string) {
	le := binary.LittleEndian
	if le.Uint32(b[hdrCRC:]) != crc32.ChecksumIEEE(b[:hdrCRC]) {
		return false, "checksum mismatch"
	}
	if m := le.Uint32(b[hdrMagic:]); m != statusMagic {
		return false, "bad magic"
	}
	if v := le.Uint32(b[hdrVersion:]); v != statusVersion {
		return false, "unsupported version"
	}
	h.NumSlots = le.Uint32(b[hdrNumSlots:])
	h.BufSize = le.Uint32(b[hdrBufSize:])
	h.OldestID = le.Uint64(b[hdrOldestID:])
	h.YoungestID = le.Uint64(b[hdrYoungestID:])
	h.NextID = le.Uint64(b[hdrNextID:])
	h.OldestSlot = le.Uint32(b[hdrOldestSlot:])
	h.YoungestSlot = le.Uint32(b[hdrYoungestSlot:])
	h.LastWrite = int64(le.Uint64(b[hdrLastWrite:]))
	h.WriterPID = le.Uint32(b[hdrWriterPID:])
	h.Seq = le.Uint64(b[hdrSeq:])
	h.WriteOffset = le.Uint64(b[hdrWriteOffset:])
	return true, ""
}

// validate checks the structural invariants of a decoded header
func (h *statusHeader) validate() string {
	switch {
	case h.NumSlots == 0 || h.NumSlots > maxNumSlots:
		return "slot count out of range"
	case h.BufSize == 0:
		return "zero buffer size"
	case h.OldestID == 0:
		return "oldest id is zero"
	case h.YoungestID+1 < h.OldestID:
		return "youngest id precedes oldest id"
	case h.NextID != h.YoungestID+1:
		return "next id does not follow youngest id"
	case h.count() > uint64(h.NumSlots):
		return "more live messages than slots"
	case h.WriteOffset > uint64(h.BufSize):
		return "write offset beyond buffer end"
	case h.OldestSlot >= h.NumSlots || h.YoungestSlot >= h.NumSlots:
		return "slot index out of range"
	case h.OldestSlot != h.slotIndex(h.OldestID):
		return "oldest slot index does not match oldest id"
	case !h.empty() && h.YoungestSlot != h.slotIndex(h.YoungestID):
		return "youngest slot index does not match youngest id"
	}
	return ""
}

// slot is one decoded ring entry
type slot struct {
	ID      uint64
	Time    int64
	Type    int32
	Subtype int32
	Offset  uint64
	Len     uint64
	Active  bool
}

func (s *slot) marshal(b []byte) {
	clear(b[:slotSize])
	le := binary.LittleEndian
	le.PutUint64(b[slotID:], s.ID)
	le.PutUint64(b[slotTime:], uint64(s.Time))
	le.PutUint32(b[slotType:], uint32(s.Type))
	le.PutUint32(b[slotSubtype:], uint32(s.Subtype))
	le.PutUint64(b[slotOffset:], s.Offset)
	le.PutUint64(b[slotLen:], s.Len)
	if s.Active {
		b[slotActive] = 1
	}
}

func (s *slot) unmarshal(b []byte) {
	le := binary.LittleEndian
	s.ID = le.Uint64(b[slotID:])
	s.Time = int64(le.Uint64(b[slotTime:]))
	s.Type = int32(le.Uint32(b[slotType:]))
	s.Subtype = int32(le.Uint32(b[slotSubtype:]))
	s.Offset = le.Uint64(b[slotOffset:])
	s.Len = le.Uint64(b[slotLen:])
	s.Active = b[slotActive] != 0
}

// end returns the buffer offset just past the slot's payload
func (s *slot) end() uint64 {
	return s.Offset + s.Len
}

func statusSize(numSlots uint32) int64 {
	return slotsOffset + int64(numSlots)*slotSize
}

func slotPosition(index uint32) int64 {
	return slotsOffset + int64(index)*slotSize
}

func headerPosition(seq uint64) int64 {
	return int64(seq%headerCopies) * headerSize
}

func encodePadMarker() [padMarkerSize]byte {
	var b [padMarkerSize]byte
	binary.LittleEndian.PutUint64(b[:], padMarker)
	return b
}

// cursorRecordSize is the size of a persisted reader cursor file
const cursorRecordSize = 8

func encodeCursor(id uint64) [cursorRecordSize]byte {
	var b [cursorRecordSize]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b
}

func decodeCursor(b [cursorRecordSize]byte) uint64 {
	return binary.LittleEndian.Uint64(b[:])
}
