// Package channel implements the fixed-size, memory-mapped data channels
// used to ferry bulk payloads (scripts, fuzz output, captured stdout and
// stderr) between a REPRL coordinator and its child process.
//
// A channel is backed by an anonymous, RAM-resident file so its contents
// can be shared with a child across a fork without any copying once the
// mapping is established. Channels are created once per worker and reused
// across every execution; callers must call Reset before writing new
// content into a channel that may have been written to previously.
package channel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MaxDataSize is the maximum number of bytes a data channel can hold. It
// bounds the size of scripts that can be executed and of fuzz output,
// stdout, and stderr that can be captured.
const MaxDataSize = 16 << 20 // 16 MiB

// DataChannel is a unidirectional, fixed-size, memory-mapped region shared
// with a child process via its file descriptor.
type DataChannel struct {
	file    *os.File
	mapping []byte
}

// New creates a new data channel of exactly MaxDataSize bytes. name is used
// only for diagnostics (it appears in the memfd name on Linux, or the
// temporary file name on platforms without memfd_create).
func New(name string) (*DataChannel, error) {
	f, err := createBackingFile(name)
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", name, err)
	}

	if err := f.Truncate(MaxDataSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing data channel %q: %w", name, err)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, MaxDataSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping data channel %q: %w", name, err)
	}

	return &DataChannel{file: f, mapping: mapping}, nil
}

// Fd returns the file descriptor backing the channel, suitable for sharing
// with a child process (e.g. via exec.Cmd.ExtraFiles).
func (c *DataChannel) Fd() uintptr {
	return c.file.Fd()
}

// Reset seeks the backing file's offset back to zero. The mapping itself is
// left intact; FetchContent takes the file offset as the length of the
// content, so writers through the file descriptor (such as a child writing
// to its stdout) advance it, while writers through the mapping must seek it
// themselves.
func (c *DataChannel) Reset() error {
	if _, err := c.file.Seek(0, os.SEEK_SET); err != nil {
		return fmt.Errorf("resetting data channel: %w", err)
	}
	return nil
}

// Truncate re-truncates the backing file to MaxDataSize, bounding growth on
// platforms where writes through the file descriptor (as opposed to the
// mapping) could otherwise extend it indefinitely. It is a no-op error-wise
// on platforms where this isn't necessary; callers should treat failure as
// non-fatal.
func (c *DataChannel) Truncate() error {
	return c.file.Truncate(MaxDataSize)
}

// Mapping returns the raw read-write mapping backing this channel. Writers
// (e.g. the supervisor copying a script into data-in) write directly into
// this slice starting at offset 0.
func (c *DataChannel) Mapping() []byte {
	return c.mapping
}

// FetchContent determines how many bytes of meaningful content the mapping
// currently holds (the backing file's current offset, which every write
// through the descriptor since the last Reset has advanced), clamps that
// length to MaxDataSize-1, writes a trailing NUL into the mapping at that
// offset, and returns a borrowed view of the mapping up to but not
// including that NUL.
//
// The returned slice aliases the channel's mapping: it is only valid until
// the next call to Reset or Close. Callers that need a durable copy must
// clone it (e.g. with bytes.Clone).
func (c *DataChannel) FetchContent() ([]byte, error) {
	cur, err := c.file.Seek(0, os.SEEK_CUR)
	if err != nil {
		return nil, fmt.Errorf("fetching data channel content: %w", err)
	}

	length := cur
	if length >= MaxDataSize {
		length = MaxDataSize - 1
	}
	if length < 0 {
		length = 0
	}

	c.mapping[length] = 0
	return c.mapping[:length], nil
}

// Close unmaps and closes the channel. It must be called exactly once, when
// the owning worker is destroyed.
func (c *DataChannel) Close() error {
	var err error
	if c.mapping != nil {
		err = unix.Munmap(c.mapping)
		c.mapping = nil
	}
	if cerr := c.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// createBackingFile creates an anonymous RAM-backed file. On Linux it uses
// memfd_create so the file never touches a directory entry at all; on other
// POSIX platforms it falls back to a uniquely-named temporary file that is
// unlinked immediately after creation, with close-on-exec set explicitly.
func createBackingFile(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err == nil {
		return os.NewFile(uintptr(fd), name), nil
	}

	f, err := os.CreateTemp("", "reprl-"+name+"-*")
	if err != nil {
		return nil, err
	}
	if err := setCloseOnExec(int(f.Fd())); err != nil {
		f.Close()
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlinking temporary backing file: %w", err)
	}
	return f, nil
}

func setCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}
