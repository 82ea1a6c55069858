//go:build cgo && !windows

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

func openFile(path string, readonly bool) (*os.File, int64, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, 0, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	return os.NewFile(uintptr(fd), path), st.Size, nil
}

func dupFile(f *os.File) (*os.File, error) {
	newFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(newFd), f.Name()), nil
}

func preadFile(f *os.File, p []byte, off int64) (int, error) {
	return unix.Pread(int(f.Fd()), p, off)
}

func pwriteFile(f *os.File, p []byte, off int64) (int, error) {
	return unix.Pwrite(int(f.Fd()), p, off)
}
