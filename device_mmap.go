package fmq

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
)

// DefaultShmDir is where MmapDevice queues live when no directory is given.
// On Linux it is a tmpfs, so the queue never touches a disk.
const DefaultShmDir = "/dev/shm"

// MmapDevice is the shared-memory variant of FileDevice: the same two files,
// but both regions are mapped MAP_SHARED and every transfer is a memory copy.
type MmapDevice struct {
	prefix string
	opts   deviceOptions

	mu     sync.RWMutex
	files  *regionFiles
	maps   [2]mmap.MMap
	mode   OpenMode
	cursor *os.File

	positions
	lock lockDepth
}

var _ Device = (*MmapDevice)(nil)

// NewMmapDevice returns an unopened shared-memory device for prefix
func NewMmapDevice(prefix string, opts ...DeviceOption) *MmapDevice {
	return &MmapDevice{
		prefix: prefix,
		opts:   buildDeviceOptions(opts),
	}
}

func (d *MmapDevice) Path() string { return d.prefix }

func (d *MmapDevice) CursorName() string { return d.opts.cursorName }

func (d *MmapDevice) Open(mode OpenMode, geo Geometry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files != nil {
		return errorf(KindInvalidArgument, "open", d.prefix, "device already open")
	}
	files, err := openRegionFiles(d.prefix, mode, geo, d.opts.logger)
	if err != nil {
		return err
	}

	prot := mmap.RDONLY
	if mode.writable() {
		prot = mmap.RDWR
	}
	for _, id := range []BufferID{StatusBuffer, DataBuffer} {
		m, err := mmap.Map(files.file(id), prot, 0)
		if err != nil {
			d.unmapLocked()
			files.close()
			return newError(KindOpenFailed, "mmap", d.prefix, err)
		}
		d.maps[id] = m
	}

	d.files = files
	d.mode = mode
	return nil
}

func (d *MmapDevice) unmapLocked() error {
	var errs []error
	for i, m := range d.maps {
		if m != nil {
			errs = append(errs, m.Unmap())
			d.maps[i] = nil
		}
	}
	return errors.Join(errs...)
}

func (d *MmapDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files == nil {
		return nil
	}
	errs := []error{d.unmapLocked(), d.files.close()}
	if d.cursor != nil {
		errs = append(errs, d.cursor.Close())
		d.cursor = nil
	}
	d.files = nil
	d.lock.reset()
	if err := errors.Join(errs...); err != nil {
		return newError(KindIO, "close", d.prefix, err)
	}
	return nil
}

func (d *MmapDevice) current(op string) (*regionFiles, error) {
	if d.files == nil {
		return nil, newError(KindClosed, op, d.prefix, nil)
	}
	return d.files, nil
}

func (d *MmapDevice) Seek(id BufferID, offset int64) error {
	return d.positions.seek(id, offset)
}

func (d *MmapDevice) Read(id BufferID, p []byte) (int, error) {
	return d.positions.transfer(id, p, d.ReadAt)
}

func (d *MmapDevice) Write(id BufferID, p []byte) (int, error) {
	return d.positions.transfer(id, p, d.WriteAt)
}

func (d *MmapDevice) ReadAt(id BufferID, p []byte, off int64) (int, error) {
	const op = "read"
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current(op)
	if err != nil {
		return 0, err
	}
	if err := checkRange(op, d.prefix, id, off, len(p), files.size); err != nil {
		return 0, err
	}
	return copy(p, d.maps[id][off:]), nil
}

func (d *MmapDevice) WriteAt(id BufferID, p []byte, off int64) (int, error) {
	const op = "write"
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current(op)
	if err != nil {
		return 0, err
	}
	if !d.mode.writable() {
		return 0, errorf(KindInvalidArgument, op, d.prefix, "device opened %v", d.mode)
	}
	if err := checkRange(op, d.prefix, id, off, len(p), files.size); err != nil {
		return 0, err
	}
	return copy(d.maps[id][off:], p), nil
}

func (d *MmapDevice) Lock(timeout time.Duration) error {
	const op = "lock"
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current(op)
	if err != nil {
		return err
	}
	return d.lock.acquire(func() error {
		if err := flockTimeout(files.stat, timeout); err != nil {
			if errors.Is(err, errLockTimeout) {
				return newError(KindLockTimeout, op, d.prefix, err)
			}
			return newError(KindIO, op, d.prefix, err)
		}
		return nil
	})
}

func (d *MmapDevice) Unlock() error {
	const op = "unlock"
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current(op)
	if err != nil {
		return err
	}
	return d.lock.release(func() error {
		if err := funlock(files.stat); err != nil {
			return newError(KindIO, op, d.prefix, err)
		}
		return nil
	})
}

func (d *MmapDevice) CheckExists() error {
	return checkRegionFilesExist(d.prefix)
}

func (d *MmapDevice) CheckSize(id BufferID, expected int64) error {
	size, err := d.Size(id)
	if err != nil {
		return err
	}
	if size != expected {
		return errorf(KindGeometryMismatch, "check size", d.prefix,
			"%v region is %d bytes, want %d", id, size, expected)
	}
	return nil
}

func (d *MmapDevice) Size(id BufferID) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current("size")
	if err != nil {
		return 0, err
	}
	if id != StatusBuffer && id != DataBuffer {
		return 0, errorf(KindInvalidArgument, "size", d.prefix, "unknown buffer %v", id)
	}
	return files.size[id], nil
}

func (d *MmapDevice) UpdateLastIDRead(id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.cursorFile()
	if f == nil || err != nil {
		return err
	}
	return writeCursor(f, d.prefix, id)
}

func (d *MmapDevice) LastIDRead() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.cursorFile()
	if f == nil || err != nil {
		return 0, err
	}
	return readCursor(f, d.prefix)
}

func (d *MmapDevice) cursorFile() (*os.File, error) {
	if d.opts.cursorName == "" {
		return nil, nil
	}
	if _, err := d.current("cursor"); err != nil {
		return nil, err
	}
	if d.cursor == nil {
		f, err := openCursorFile(d.prefix, d.opts.cursorName)
		if err != nil {
			return nil, err
		}
		d.cursor = f
	}
	return d.cursor, nil
}

// Sync flushes both mappings with msync. Other processes see the bytes as
// soon as they are copied; Sync only matters for durability.
func (d *MmapDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, err := d.current("sync"); err != nil {
		return err
	}
	if !d.mode.writable() {
		return nil
	}
	for _, m := range d.maps {
		if err := m.Flush(); err != nil {
			return newError(KindIO, "sync", d.prefix, err)
		}
	}
	return nil
}
