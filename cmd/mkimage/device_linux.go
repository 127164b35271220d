//go:build linux

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapDevice backs internal/ufs.BlockDevice with a memory-mapped host
// file via golang.org/x/sys/unix.Mmap, so block writes land in the
// page cache without a read-modify-write syscall per block.
type mmapDevice struct {
	f    *os.File
	data []byte
}

func openMmapDevice(path string, size int64) (*mmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s to %d: %w", path, size, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &mmapDevice{f: f, data: data}, nil
}

func (d *mmapDevice) ReadAt(offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(d.data)) {
		return fmt.Errorf("mkimage: read out of range at offset %d len %d", offset, len(buf))
	}
	copy(buf, d.data[offset:offset+int64(len(buf))])
	return nil
}

func (d *mmapDevice) WriteAt(offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(d.data)) {
		return fmt.Errorf("mkimage: write out of range at offset %d len %d", offset, len(buf))
	}
	copy(d.data[offset:offset+int64(len(buf))], buf)
	return nil
}

func (d *mmapDevice) Capacity() int64 { return int64(len(d.data)) }

// Close flushes the mapping back to disk (MS_SYNC) before unmapping and
// closing the backing file.
func (d *mmapDevice) Close() error {
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	return d.f.Close()
}
