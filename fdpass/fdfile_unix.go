//go:build unix

package fdpass

import "os"

// fdFile wraps a raw descriptor so it can be handed to net.FileConn. The
// *os.File takes ownership of fd.
func fdFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}
