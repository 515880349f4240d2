package fmq

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	statusSuffix = ".stat"
	bufferSuffix = ".buf"
	cursorSuffix = ".cursor"

	// createLockTimeout bounds the wait for a concurrent creator
	createLockTimeout = 5 * time.Second
)

func statusFilePath(prefix string) string { return prefix + statusSuffix }
func bufferFilePath(prefix string) string { return prefix + bufferSuffix }

func cursorFilePath(prefix, name string) string {
	return prefix + "." + name + cursorSuffix
}

// DeviceOption configures a FileDevice or MmapDevice
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	cursorName string
	logger     Logger
}

// WithCursorName makes UpdateLastIDRead persist to <prefix>.<name>.cursor
func WithCursorName(name string) DeviceOption {
	return func(o *deviceOptions) {
		o.cursorName = name
	}
}

// WithDeviceLogger sets the logger used for device diagnostics
func WithDeviceLogger(l Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

func buildDeviceOptions(opts []DeviceOption) deviceOptions {
	o := deviceOptions{logger: NoOpLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NoOpLogger{}
	}
	return o
}

// regionFiles are the two open files backing a queue plus their sizes
type regionFiles struct {
	stat *os.File
	buf  *os.File
	size [2]int64
}

func (r *regionFiles) file(id BufferID) *os.File {
	if id == StatusBuffer {
		return r.stat
	}
	return r.buf
}

func (r *regionFiles) close() error {
	var errs []error
	if r.stat != nil {
		errs = append(errs, r.stat.Close())
		r.stat = nil
	}
	if r.buf != nil {
		errs = append(errs, r.buf.Close())
		r.buf = nil
	}
	return errors.Join(errs...)
}

// openRegionFiles opens both files for prefix. In create mode missing files are
// created and, while holding the status lock, sized to geo. Otherwise, and for
// files that already existed, a non-zero geo is validated against the sizes
// on disk.
func openRegionFiles(prefix string, mode OpenMode, geo Geometry, logger Logger) (*regionFiles, error) {
	const op = "open"

	flag := os.O_RDONLY
	switch mode {
	case ModeRead:
	case ModeWrite:
		flag = os.O_RDWR
	case ModeCreate:
		flag = os.O_RDWR | os.O_CREATE
		if geo.NumSlots == 0 || geo.BufSize == 0 {
			return nil, errorf(KindInvalidArgument, op, prefix, "create requires a complete geometry, got %v", geo)
		}
	default:
		return nil, errorf(KindInvalidArgument, op, prefix, "unknown mode %v", mode)
	}

	r := &regionFiles{}
	var err error
	if r.stat, err = os.OpenFile(statusFilePath(prefix), flag, 0644); err != nil {
		return nil, newError(KindOpenFailed, op, prefix, err)
	}
	if r.buf, err = os.OpenFile(bufferFilePath(prefix), flag, 0644); err != nil {
		r.close()
		return nil, newError(KindOpenFailed, op, prefix, err)
	}

	if mode == ModeCreate {
		if err := r.initialize(prefix, geo, logger); err != nil {
			r.close()
			return nil, err
		}
	}

	for _, id := range []BufferID{StatusBuffer, DataBuffer} {
		info, err := r.file(id).Stat()
		if err != nil {
			r.close()
			return nil, newError(KindOpenFailed, op, prefix, err)
		}
		r.size[id] = info.Size()
		if r.size[id] == 0 {
			r.close()
			return nil, errorf(KindOpenFailed, op, prefix, "%v region is empty", id)
		}
	}

	if err := r.checkGeometry(prefix, geo); err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

// initialize sizes freshly created files. Two creators racing on the same
// prefix serialize on the status lock; the loser finds non-empty files.
func (r *regionFiles) initialize(prefix string, geo Geometry, logger Logger) error {
	const op = "create"

	if err := flockTimeout(r.stat, createLockTimeout); err != nil {
		if errors.Is(err, errLockTimeout) {
			return newError(KindLockTimeout, op, prefix, err)
		}
		return newError(KindIO, op, prefix, err)
	}
	defer funlock(r.stat)

	info, err := r.stat.Stat()
	if err != nil {
		return newError(KindIO, op, prefix, err)
	}
	if info.Size() != 0 {
		return nil
	}

	if err := r.buf.Truncate(int64(geo.BufSize)); err != nil {
		return newError(KindIO, op, prefix, fmt.Errorf("failed to size buffer file: %w", err))
	}
	// Status goes last: a non-empty status file means both regions are sized.
	if err := r.stat.Truncate(statusSize(geo.NumSlots)); err != nil {
		return newError(KindIO, op, prefix, fmt.Errorf("failed to size status file: %w", err))
	}

	logger.Debug("Created queue files",
		"prefix", prefix,
		"numSlots", geo.NumSlots,
		"bufSize", geo.BufSize)
	return nil
}

func (r *regionFiles) checkGeometry(prefix string, geo Geometry) error {
	if geo.NumSlots != 0 && r.size[StatusBuffer] != statusSize(geo.NumSlots) {
		return errorf(KindGeometryMismatch, "open", prefix,
			"status region is %d bytes, %d slots need %d",
			r.size[StatusBuffer], geo.NumSlots, statusSize(geo.NumSlots))
	}
	if geo.BufSize != 0 && r.size[DataBuffer] != int64(geo.BufSize) {
		return errorf(KindGeometryMismatch, "open", prefix,
			"buffer region is %d bytes, want %d", r.size[DataBuffer], geo.BufSize)
	}
	return nil
}

// FileDevice stores STATUS in <prefix>.stat and BUFFER in <prefix>.buf and
// uses positioned file I/O for every transfer.
type FileDevice struct {
	prefix string
	opts   deviceOptions

	mu     sync.RWMutex
	files  *regionFiles
	mode   OpenMode
	cursor *os.File

	positions
	lock lockDepth
}

var _ Device = (*FileDevice)(nil)

// NewFileDevice returns an unopened device for the queue at prefix
func NewFileDevice(prefix string, opts ...DeviceOption) *FileDevice {
	return &FileDevice{
		prefix: prefix,
		opts:   buildDeviceOptions(opts),
	}
}

func (d *FileDevice) Path() string { return d.prefix }

// CursorName returns the persisted cursor name, or "" when none was set
func (d *FileDevice) CursorName() string { return d.opts.cursorName }

func (d *FileDevice) Open(mode OpenMode, geo Geometry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files != nil {
		return errorf(KindInvalidArgument, "open", d.prefix, "device already open")
	}
	files, err := openRegionFiles(d.prefix, mode, geo, d.opts.logger)
	if err != nil {
		return err
	}
	d.files = files
	d.mode = mode
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files == nil {
		return nil
	}
	var errs []error
	errs = append(errs, d.files.close())
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

// current returns the open files or a KindClosed error. Callers hold d.mu.
func (d *FileDevice) current(op string) (*regionFiles, error) {
	if d.files == nil {
		return nil, newError(KindClosed, op, d.prefix, nil)
	}
	return d.files, nil
}

func (d *FileDevice) Seek(id BufferID, offset int64) error {
	return d.positions.seek(id, offset)
}

func (d *FileDevice) Read(id BufferID, p []byte) (int, error) {
	return d.positions.transfer(id, p, d.ReadAt)
}

func (d *FileDevice) Write(id BufferID, p []byte) (int, error) {
	return d.positions.transfer(id, p, d.WriteAt)
}

func (d *FileDevice) ReadAt(id BufferID, p []byte, off int64) (int, error) {
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
	n, err := files.file(id).ReadAt(p, off)
	if err != nil || n != len(p) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, newError(KindIO, op, d.prefix, fmt.Errorf("%v at %d: %w", id, off, err))
	}
	return n, nil
}

func (d *FileDevice) WriteAt(id BufferID, p []byte, off int64) (int, error) {
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
	n, err := files.file(id).WriteAt(p, off)
	if err != nil || n != len(p) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return n, newError(KindIO, op, d.prefix, fmt.Errorf("%v at %d: %w", id, off, err))
	}
	return n, nil
}

func checkRange(op, prefix string, id BufferID, off int64, n int, size [2]int64) error {
	if id != StatusBuffer && id != DataBuffer {
		return errorf(KindInvalidArgument, op, prefix, "unknown buffer %v", id)
	}
	if off < 0 || off+int64(n) > size[id] {
		return errorf(KindIO, op, prefix, "%v range [%d, %d) outside region of %d bytes",
			id, off, off+int64(n), size[id])
	}
	return nil
}

func (d *FileDevice) Lock(timeout time.Duration) error {
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

func (d *FileDevice) Unlock() error {
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

func (d *FileDevice) CheckExists() error {
	return checkRegionFilesExist(d.prefix)
}

func checkRegionFilesExist(prefix string) error {
	for _, p := range []string{statusFilePath(prefix), bufferFilePath(prefix)} {
		info, err := os.Stat(p)
		if err != nil {
			return newError(KindOpenFailed, "check", prefix, err)
		}
		if info.Size() == 0 {
			return errorf(KindOpenFailed, "check", prefix, "%s is empty", p)
		}
	}
	return nil
}

func (d *FileDevice) CheckSize(id BufferID, expected int64) error {
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

func (d *FileDevice) Size(id BufferID) (int64, error) {
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

func (d *FileDevice) UpdateLastIDRead(id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.cursorFile()
	if f == nil || err != nil {
		return err
	}
	return writeCursor(f, d.prefix, id)
}

func (d *FileDevice) LastIDRead() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.cursorFile()
	if f == nil || err != nil {
		return 0, err
	}
	return readCursor(f, d.prefix)
}

// cursorFile lazily opens the persisted cursor. Callers hold d.mu.
func (d *FileDevice) cursorFile() (*os.File, error) {
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

func openCursorFile(prefix, name string) (*os.File, error) {
	f, err := os.OpenFile(cursorFilePath(prefix, name), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, newError(KindOpenFailed, "cursor", prefix, err)
	}
	return f, nil
}

func writeCursor(f *os.File, prefix string, id uint64) error {
	b := encodeCursor(id)
	if _, err := f.WriteAt(b[:], 0); err != nil {
		return newError(KindIO, "update cursor", prefix, err)
	}
	return nil
}

func readCursor(f *os.File, prefix string) (uint64, error) {
	var b [cursorRecordSize]byte
	n, err := f.ReadAt(b[:], 0)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	if n != len(b) {
		return 0, errorf(KindIO, "read cursor", prefix, "short cursor record (%d bytes): %v", n, err)
	}
	return decodeCursor(b), nil
}

func (d *FileDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	files, err := d.current("sync")
	if err != nil {
		return err
	}
	if !d.mode.writable() {
		return nil
	}
	if err := files.buf.Sync(); err != nil {
		return newError(KindIO, "sync", d.prefix, err)
	}
	if err := files.stat.Sync(); err != nil {
		return newError(KindIO, "sync", d.prefix, err)
	}
	return nil
}
