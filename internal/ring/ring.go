// Package ring implements the shared-memory ring described in §4.5: a
// fixed-capacity FIFO of length-prefixed frames living in a named,
// pre-sized POSIX shared-memory object under /dev/shm, joined by one
// agent process (producer or consumer depending on direction) and one
// plugin worker process.
//
// The wire layout of the mapped region is local to this package — no
// other process needs to agree on it except another instance of this
// same binary on the other end, which is the plugin worker built from
// the same core. A flock on the backing file serializes Init against
// concurrent openers; Reset, Destroy and steady-state push/pop use atomic
// loads/stores on the head/tail/count words so the two processes never
// need to block each other for ordinary traffic.
package ring

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const magic uint32 = 0x4e47584e // "NGXN"

// headerWords is the number of uint32 words in the mapped header, laid
// out at the start of the shared region: magic, corrupted, elements,
// segmentSize, head, tail, count, reserved.
const headerWords = 8
const headerSize = headerWords * 4

// slot layout: 2-byte little-endian length prefix followed by
// segmentSize bytes of payload (zero-padded past the declared length).
const slotLenPrefix = 2

// ErrCorrupted is returned by operations that detect the ring's
// head/tail/count invariant has been violated — the caller must Dump,
// Reset, and bump its connection-fail counter (§4.5).
var ErrCorrupted = fmt.Errorf("ring: shared memory ring is corrupted")

// ErrFrameTooLarge is returned by Send/SendChunked when the frame would
// not fit in a single slot.
var ErrFrameTooLarge = fmt.Errorf("ring: frame exceeds per-slot segment size")

// Handle is an open mapping of a shared-memory ring.
type Handle struct {
	f           *os.File
	mapping     []byte
	elements    uint32
	segmentSize uint32
	debugSink   io.Writer
	path        string
}

// Init creates or attaches to the shared-memory ring named uniqueID,
// owned by (uid, gid), sized to hold elements frames of up to segments
// bytes each. debugSink may be nil.
func Init(uniqueID string, uid, gid int, segments, elements uint32, debugSink io.Writer) (*Handle, error) {
	if segments == 0 || elements == 0 {
		return nil, fmt.Errorf("ring: segments and elements must be nonzero")
	}

	path := shmPath(uniqueID)
	size := int64(headerSize) + int64(elements)*int64(slotLenPrefix+segments)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: flock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: stat %s: %w", path, err)
	}
	fresh := info.Size() != size
	if fresh {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("ring: truncate %s: %w", path, err)
		}
	}
	if err := f.Chown(uid, gid); err != nil && !os.IsPermission(err) {
		f.Close()
		return nil, fmt.Errorf("ring: chown %s: %w", path, err)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: mmap %s: %w", path, err)
	}

	h := &Handle{f: f, mapping: mapping, elements: elements, segmentSize: segments, debugSink: debugSink, path: path}
	if fresh {
		h.initHeader()
	} else if h.readMagic() != magic {
		h.initHeader()
	}
	return h, nil
}

func shmPath(uniqueID string) string {
	return fmt.Sprintf("/dev/shm/cp-nano-http-ring-%s", uniqueID)
}

func (h *Handle) word(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.mapping[i*4]))
}

func (h *Handle) initHeader() {
	binary.LittleEndian.PutUint32(h.mapping[0:4], magic)
	binary.LittleEndian.PutUint32(h.mapping[4:8], 0)
	binary.LittleEndian.PutUint32(h.mapping[8:12], h.elements)
	binary.LittleEndian.PutUint32(h.mapping[12:16], h.segmentSize)
	atomic.StoreUint32(h.word(4), 0)
	atomic.StoreUint32(h.word(5), 0)
	atomic.StoreUint32(h.word(6), 0)
}

func (h *Handle) readMagic() uint32 { return binary.LittleEndian.Uint32(h.mapping[0:4]) }

func (h *Handle) corruptedFlag() *uint32 { return h.word(1) }
func (h *Handle) headIdx() *uint32       { return h.word(4) }
func (h *Handle) tailIdx() *uint32       { return h.word(5) }
func (h *Handle) countWord() *uint32     { return h.word(6) }

// IsCorrupted reports whether the ring's corrupted flag is set, either
// explicitly by a prior detected invariant violation or observed fresh
// on this call.
func (h *Handle) IsCorrupted() bool {
	if atomic.LoadUint32(h.corruptedFlag()) != 0 {
		return true
	}
	count := atomic.LoadUint32(h.countWord())
	head := atomic.LoadUint32(h.headIdx())
	tail := atomic.LoadUint32(h.tailIdx())
	if head >= h.elements || tail >= h.elements || count > h.elements {
		atomic.StoreUint32(h.corruptedFlag(), 1)
		return true
	}
	expected := (tail + h.elements - head) % h.elements
	if count != expected && !(count == h.elements && expected == 0) {
		atomic.StoreUint32(h.corruptedFlag(), 1)
		return true
	}
	return false
}

// IsDataAvailable reports whether at least one frame is queued.
func (h *Handle) IsDataAvailable() bool {
	return atomic.LoadUint32(h.countWord()) > 0
}

func (h *Handle) slotOffset(i uint32) int64 {
	return int64(headerSize) + int64(i)*int64(slotLenPrefix+h.segmentSize)
}

// Receive returns the frame at the head of the queue without removing
// it. The returned slice borrows the mapping and is only valid until
// the next Pop or Reset.
func (h *Handle) Receive() ([]byte, error) {
	if h.IsCorrupted() {
		return nil, ErrCorrupted
	}
	if !h.IsDataAvailable() {
		return nil, nil
	}
	head := atomic.LoadUint32(h.headIdx())
	off := h.slotOffset(head)
	length := binary.LittleEndian.Uint16(h.mapping[off : off+slotLenPrefix])
	if int(length) > int(h.segmentSize) {
		atomic.StoreUint32(h.corruptedFlag(), 1)
		return nil, ErrCorrupted
	}
	start := off + slotLenPrefix
	return h.mapping[start : start+int64(length)], nil
}

// Pop drops the frame at the head of the queue.
func (h *Handle) Pop() error {
	if h.IsCorrupted() {
		return ErrCorrupted
	}
	if !h.IsDataAvailable() {
		return nil
	}
	head := atomic.LoadUint32(h.headIdx())
	atomic.StoreUint32(h.headIdx(), (head+1)%h.elements)
	atomic.AddUint32(h.countWord(), ^uint32(0))
	return nil
}

// SendChunked atomically enqueues a frame assembled from the given
// parts, in order.
func (h *Handle) SendChunked(parts ...[]byte) error {
	if h.IsCorrupted() {
		return ErrCorrupted
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total > int(h.segmentSize) {
		return ErrFrameTooLarge
	}
	count := atomic.LoadUint32(h.countWord())
	if count >= h.elements {
		return fmt.Errorf("ring: queue full")
	}

	tail := atomic.LoadUint32(h.tailIdx())
	off := h.slotOffset(tail)
	binary.LittleEndian.PutUint16(h.mapping[off:off+slotLenPrefix], uint16(total))
	pos := off + slotLenPrefix
	for _, p := range parts {
		copy(h.mapping[pos:pos+int64(len(p))], p)
		pos += int64(len(p))
	}

	atomic.StoreUint32(h.tailIdx(), (tail+1)%h.elements)
	atomic.AddUint32(h.countWord(), 1)
	return nil
}

// Send enqueues a single-part frame.
func (h *Handle) Send(data []byte) error { return h.SendChunked(data) }

// Reset clears the queue and corrupted flag. A nonzero elements replaces
// the recorded capacity; zero keeps the current one.
func (h *Handle) Reset(elements uint32) {
	if elements != 0 {
		h.elements = elements
	}
	atomic.StoreUint32(h.headIdx(), 0)
	atomic.StoreUint32(h.tailIdx(), 0)
	atomic.StoreUint32(h.countWord(), 0)
	atomic.StoreUint32(h.corruptedFlag(), 0)
}

// Dump writes a textual summary of the ring's state to the debug sink,
// for diagnosing corruption before Reset.
func (h *Handle) Dump() {
	if h.debugSink == nil {
		return
	}
	fmt.Fprintf(h.debugSink, "ring %s: head=%d tail=%d count=%d elements=%d corrupted=%v\n",
		h.path,
		atomic.LoadUint32(h.headIdx()), atomic.LoadUint32(h.tailIdx()),
		atomic.LoadUint32(h.countWord()), h.elements, h.IsCorrupted())
}

// Destroy unmaps and removes the shared-memory object. segments is
// accepted for symmetry with Init but unused: the mapping size is
// recorded in the file itself.
func (h *Handle) Destroy(segments uint32) error {
	_ = segments
	if err := unix.Munmap(h.mapping); err != nil {
		return fmt.Errorf("ring: munmap: %w", err)
	}
	h.f.Close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ring: remove %s: %w", h.path, err)
	}
	return nil
}
