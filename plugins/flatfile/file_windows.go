//go:build cgo && windows

package main

import (
	"os"

	"golang.org/x/sys/windows"
)

func openFile(path string, readonly bool) (*os.File, int64, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func dupFile(f *os.File) (*os.File, error) {
	proc := windows.CurrentProcess()
	var dup windows.Handle
	if err := windows.DuplicateHandle(proc, windows.Handle(f.Fd()), proc, &dup, 0, true, windows.DUPLICATE_SAME_ACCESS); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(dup), f.Name()), nil
}

func preadFile(f *os.File, p []byte, off int64) (int, error) {
	return f.ReadAt(p, off)
}

func pwriteFile(f *os.File, p []byte, off int64) (int, error) {
	return f.WriteAt(p, off)
}
