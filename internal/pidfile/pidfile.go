package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/balancectl/internal/errors"
)

// File guards exclusive ownership of the motor hardware by a single
// process through a process-ID file.
type File struct {
	path string
}

// New returns a File for name. Relative names are placed in the
// temporary directory.
func New(name string) *File {
	if !filepath.IsAbs(name) {
		name = filepath.Join(os.TempDir(), name)
	}

	return &File{path: name}
}

// Path returns the location of the process-ID file.
func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the file, failing with
// ErrAlreadyRunning when another live process holds it.
func (f *File) Write() error {
	errFactory := errors.New()

	if bytes, err := os.ReadFile(f.path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && pid != os.Getpid() && processAlive(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, pid)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the process-ID file.
func (f *File) Remove() error {
	errFactory := errors.New()

	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(f.path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
