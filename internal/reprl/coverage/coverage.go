// Package coverage implements the shared-memory edge-coverage bitmap
// engine used by a REPRL worker: it maps the target's shared-memory
// region, maintains a "virgin" bitmap of edges never yet observed, and
// diffs each execution's bitmap against it to discover new edges.
package coverage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/sys/unix"
)

// ShmSize is the size, in bytes, of the shared-memory region mapped with
// the target. It must be large enough to hold every instrumented edge the
// target may report.
const ShmSize = 0x100000 // 1 MiB

// MaxEdges is the largest edge count the shared-memory layout can address:
// every byte past the 4-byte num_edges header holds one bit per edge.
const MaxEdges = (ShmSize - 4) * 8

// ErrNotInitialized is returned by operations that require
// FinishInitialization to have run first.
var ErrNotInitialized = errors.New("coverage: context not finished initializing")

// ErrTooManyEdges is returned by FinishInitialization when the target
// reports more edges than the shared-memory layout can address.
var ErrTooManyEdges = errors.New("coverage: target reported more edges than MAX_EDGES")

// Context is the per-worker coverage bookkeeping: the mapped shared-memory
// region, the virgin bitmap and its backup, and an optional per-edge
// hit-count array.
//
// A Context is not safe for concurrent use; per spec, a given worker id
// (and therefore its Context) is accessed by at most one goroutine at a
// time.
type Context struct {
	id int

	shmFile *os.File
	shmem   []byte // mapped ShmSize-byte region: 4-byte num_edges header + edges[]

	numEdges        uint32
	bitmapSize      uint32
	shouldTrackEdge bool

	virginBits       []byte
	virginBitsBackup []byte
	mapBackup        []byte // reserved per-iteration snapshot space
	edgeCounts       []uint32
}

// shmName returns the well-known shared-memory object name for a worker,
// scoped by the coordinator's pid so that concurrently-running coordinator
// processes never collide.
func shmName(pid, id int) string {
	return fmt.Sprintf("/shm_id_%d_%d", pid, id)
}

// New allocates and maps the shared-memory region for worker id. The
// returned Context has bitmapSize == 0; ClearBitmap is a no-op until
// FinishInitialization has learned the target's edge count.
func New(id int) (*Context, error) {
	name := shmName(os.Getpid(), id)
	path := "/dev/shm" + name

	// Clean up any stale object left behind by a previous, uncleanly
	// terminated run before creating our own.
	_ = unix.Unlink(path)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating coverage shared memory %q: %w", name, err)
	}
	f := os.NewFile(uintptr(fd), path)

	if err := f.Truncate(ShmSize); err != nil {
		f.Close()
		unix.Unlink(path)
		return nil, fmt.Errorf("sizing coverage shared memory %q: %w", name, err)
	}

	shmem, err := unix.Mmap(fd, 0, ShmSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		unix.Unlink(path)
		return nil, fmt.Errorf("mapping coverage shared memory %q: %w", name, err)
	}

	return &Context{
		id:      id,
		shmFile: f,
		shmem:   shmem,
	}, nil
}

// ShmName is the environment variable value (SHM_ID) to pass to the child
// so it can attach to the same region.
func (c *Context) ShmName() string {
	return shmName(os.Getpid(), c.id)
}

func roundUp8(n uint32) uint32 {
	return (n + 7) &^ 7
}

// numEdgesField reads the 32-bit num_edges header the target writes during
// its own startup.
func (c *Context) numEdgesField() uint32 {
	return binary.LittleEndian.Uint32(c.shmem[0:4])
}

// NumEdgesField exposes the raw num_edges header the target last wrote,
// without the +1 reservation FinishInitialization applies. It is only
// meaningful after the target has started at least once.
func (c *Context) NumEdgesField() uint32 {
	return c.numEdgesField()
}

// NumEdges returns the bitmap-sized edge count FinishInitialization
// computed, or 0 if it hasn't run yet.
func (c *Context) NumEdges() uint32 {
	return c.numEdges
}

// NumEdgesKnown reports whether FinishInitialization has already sized the
// bitmap for this context.
func (c *Context) NumEdgesKnown() bool {
	return c.bitmapSize != 0
}

// edges returns the packed edge-bit region of the shared mapping, sized to
// the current bitmapSize.
func (c *Context) edges() []byte {
	return c.shmem[4 : 4+c.bitmapSize]
}

// FinishInitialization is called once the target has populated its
// num_edges header (typically after the first spawn). It reserves edge 0,
// sizes the bitmap, and allocates the virgin bitmap, its backup, the
// per-iteration snapshot buffer, and (if trackEdges is set) the per-edge
// hit-count array.
func (c *Context) FinishInitialization(trackEdges bool) (uint32, error) {
	numEdges := c.numEdgesField() + 1 // edge 0 is reserved and ignored
	if numEdges > MaxEdges {
		return 0, ErrTooManyEdges
	}

	c.numEdges = numEdges
	c.bitmapSize = roundUp8((numEdges + 7) / 8)
	c.shouldTrackEdge = trackEdges

	c.virginBits = make([]byte, c.bitmapSize)
	c.virginBitsBackup = make([]byte, c.bitmapSize)
	c.mapBackup = make([]byte, c.bitmapSize)
	for i := range c.virginBits {
		c.virginBits[i] = 0xff
	}
	clearBit(c.virginBits, 0)

	if trackEdges {
		c.edgeCounts = make([]uint32, numEdges)
	}

	return numEdges, nil
}

// ClearBitmap zeros the target-visible portion of the shared bitmap. It
// must be called immediately before every execution; before
// FinishInitialization has run (bitmapSize == 0) it is a no-op.
func (c *Context) ClearBitmap() {
	if c.bitmapSize == 0 {
		return
	}
	edges := c.edges()
	for i := range edges {
		edges[i] = 0
	}
}

// Evaluate diffs the bitmap the target wrote during the last execution
// against the virgin bitmap, in 64-bit-word strides. Every edge observed
// for the first time is cleared in the virgin bitmap (permanently, until a
// restore) and returned.
func (c *Context) Evaluate() ([]uint32, error) {
	if c.bitmapSize == 0 {
		return nil, ErrNotInitialized
	}

	target := c.edges()
	virgin := c.virginBits
	var newEdges []uint32

	for word := uint32(0); word < c.bitmapSize; word += 8 {
		tWord := binary.LittleEndian.Uint64(target[word : word+8])
		vWord := binary.LittleEndian.Uint64(virgin[word : word+8])
		if tWord&vWord == 0 {
			continue
		}
		for bit := uint32(0); bit < 64; bit++ {
			idx := word*8 + bit
			if idx >= c.numEdges {
				break
			}
			mask := byte(1) << (bit % 8)
			bytePos := word + bit/8
			if target[bytePos]&mask != 0 && virgin[bytePos]&mask != 0 {
				virgin[bytePos] &^= mask
				newEdges = append(newEdges, idx)
			}
		}
	}

	return newEdges, nil
}

// BackupVirgin snapshots the current virgin bitmap.
func (c *Context) BackupVirgin() {
	copy(c.virginBitsBackup, c.virginBits)
}

// RestoreVirgin restores the virgin bitmap from the last backup.
func (c *Context) RestoreVirgin() {
	copy(c.virginBits, c.virginBitsBackup)
}

// FoundEdges returns the number of edges currently considered discovered:
// the count of cleared bits in the virgin bitmap, excluding the reserved
// bit 0.
func (c *Context) FoundEdges() uint32 {
	return countCleared(c.virginBits, c.numEdges)
}

// SaveVirginToFile writes the virgin bitmap (exactly bitmapSize bytes, no
// header) to path, and returns the number of edges currently discovered.
func (c *Context) SaveVirginToFile(path string) (uint32, error) {
	if c.bitmapSize == 0 {
		return 0, ErrNotInitialized
	}
	if err := os.WriteFile(path, c.virginBits, 0644); err != nil {
		return 0, fmt.Errorf("saving coverage map: %w", err)
	}
	return countCleared(c.virginBits, c.numEdges), nil
}

// LoadVirginFromFile reads bitmapSize bytes from path into the virgin
// bitmap. A file whose size is not exactly bitmapSize is rejected with an
// error and the virgin bitmap is left unchanged; such a mismatch typically
// indicates the coverage map was produced by a differently-instrumented
// build of the target. The process is not terminated. After loading, the virgin bitmap is immediately backed up and the
// shared bitmap is cleared, so a subsequent execute doesn't misattribute
// residual target bits as new coverage.
func (c *Context) LoadVirginFromFile(path string) (uint32, error) {
	if c.bitmapSize == 0 {
		return 0, ErrNotInitialized
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("loading coverage map: %w", err)
	}
	if uint32(len(data)) != c.bitmapSize {
		return 0, fmt.Errorf("coverage: bitmap size mismatch loading %q: got %d bytes, want %d (was this produced by the same build of the target?)", path, len(data), c.bitmapSize)
	}
	copy(c.virginBits, data)
	c.BackupVirgin()
	c.ClearBitmap()
	return countCleared(c.virginBits, c.numEdges), nil
}

// SetEdgeData marks edge index as discovered, as driven externally by a
// scheduler deciding to add a specific edge (e.g. when importing coverage
// from another source). It clears the edge's virgin bit, increments the
// found-edge count, and, if edge tracking is enabled, sets its hit count to
// 1.
func (c *Context) SetEdgeData(index uint32) {
	if edgeIsSet(c.virginBits, index) {
		clearBit(c.virginBits, index)
	}
	if c.shouldTrackEdge && int(index) < len(c.edgeCounts) {
		c.edgeCounts[index] = 1
	}
}

// ClearEdgeData is the inverse of SetEdgeData: it marks edge index as
// virgin again and zeroes its hit count.
func (c *Context) ClearEdgeData(index uint32) {
	setBit(c.virginBits, index)
	if c.shouldTrackEdge && int(index) < len(c.edgeCounts) {
		c.edgeCounts[index] = 0
	}
}

// EdgeCounts returns the per-edge hit-count array, or nil if edge tracking
// was not enabled.
func (c *Context) EdgeCounts() []uint32 {
	return c.edgeCounts
}

// ResetState re-fills the virgin bitmap with 0xFF (re-reserving bit 0) and
// zeroes the edge-count array if present.
func (c *Context) ResetState() {
	for i := range c.virginBits {
		c.virginBits[i] = 0xff
	}
	clearBit(c.virginBits, 0)
	for i := range c.edgeCounts {
		c.edgeCounts[i] = 0
	}
}

// Shutdown unlinks the worker's shared-memory object. It does not unmap the
// region; that is deferred to process exit, matching the original
// implementation's lifecycle.
func (c *Context) Shutdown() {
	unix.Unlink("/dev/shm" + c.ShmName())
}

func edgeIsSet(bits []byte, index uint32) bool {
	return bits[index/8]>>(index%8)&1 != 0
}

func setBit(b []byte, index uint32) {
	b[index/8] |= 1 << (index % 8)
}

func clearBit(b []byte, index uint32) {
	b[index/8] &^= 1 << (index % 8)
}

// countCleared counts the number of zero bits among the first numEdges bits
// of b, i.e. the number of edges no longer considered virgin. Bit 0 is
// always reserved and therefore never counted as "found."
func countCleared(b []byte, numEdges uint32) uint32 {
	var count uint32
	fullBytes := numEdges / 8
	for i := uint32(0); i < fullBytes; i++ {
		count += uint32(bits.OnesCount8(^b[i]))
	}
	if rem := numEdges % 8; rem != 0 {
		mask := byte(1<<rem) - 1
		count += uint32(bits.OnesCount8(^b[fullBytes] & mask))
	}
	if numEdges > 0 {
		count-- // bit 0 is reserved, never a "found" edge
	}
	return count
}
