// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package dio wraps the backing object of a DBS pool with aligned
// positional I/O. Offsets and lengths handed to ReadAt and WriteAt are
// multiples of the block size; callers with unaligned buffers are served
// through an aligned bounce buffer.
package dio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// File is a handle to the backing object opened for direct I/O.
type File struct {
	*os.File
	Name string
}

// Open opens the backing object read-write with O_DIRECT. Filesystems
// without O_DIRECT support (e.g. tmpfs) get plain buffered I/O.
func Open(name string) (*File, error) {
	file, err := directio.OpenFile(name, os.O_RDWR, 0660)
	if errors.Is(err, unix.EINVAL) {
		file, err = os.OpenFile(name, os.O_RDWR, 0660)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open %v: %w", name, err)
	}
	return &File{
		File: file,
		Name: name,
	}, nil
}

// Size returns the size of the backing object in bytes. Seeking to the
// end works for regular files and block devices alike.
func (f *File) Size() (int64, error) {
	pos, err := f.File.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("cannot seek in %v: %w", f.Name, err)
	}
	return pos, nil
}

// ReadAt fills data from the given byte offset, bouncing through an
// aligned buffer when the caller's buffer does not satisfy the DMA
// alignment requirement.
func (f *File) ReadAt(data []byte, offset uint64) error {
	if directio.IsAligned(data) {
		if _, err := f.File.ReadAt(data, int64(offset)); err != nil {
			return fmt.Errorf("failed to read %d bytes at offset %d from %v: %w", len(data), offset, f.Name, err)
		}
		return nil
	}
	buf := directio.AlignedBlock(len(data))
	if _, err := f.File.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("failed to read %d bytes at offset %d from %v: %w", len(data), offset, f.Name, err)
	}
	copy(data, buf)
	return nil
}

// WriteAt writes data at the given byte offset, bouncing through an
// aligned buffer when necessary.
func (f *File) WriteAt(data []byte, offset uint64) error {
	buf := data
	if !directio.IsAligned(data) {
		buf = directio.AlignedBlock(len(data))
		copy(buf, data)
	}
	if _, err := f.File.WriteAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("failed to write %d bytes at offset %d to %v: %w", len(data), offset, f.Name, err)
	}
	return nil
}

// Sync flushes written data to the backing object.
func (f *File) Sync() error {
	if err := unix.Fdatasync(int(f.File.Fd())); err != nil {
		return fmt.Errorf("cannot sync %v: %w", f.Name, err)
	}
	return nil
}

// Close flushes and releases the handle.
func (f *File) Close() error {
	f.Sync()
	return f.File.Close()
}
