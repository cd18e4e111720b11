//go:build linux

package console

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// readRawLine reads one line from the terminal in with echo and canonical
// mode turned off, editing it in place on out. The terminal state is
// restored before returning. Ctrl+C and Ctrl+D on an empty line both end
// the input with io.EOF.
func readRawLine(in *os.File, out io.Writer, hist *History) (string, error) {
	fd := int(in.Fd())
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	newState := *oldState
	newState.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}()

	ed := newEditor(out, hist)
	var buf [64]byte
	for {
		n, err := in.Read(buf[:])
		for i := 0; i < n; i++ {
			switch ed.feed(buf[i]) {
			case keyEnter:
				return ed.String(), nil
			case keyEOF, keyInterrupt:
				return "", io.EOF
			}
		}
		if err != nil {
			return "", err
		}
	}
}

func rawSupported() bool { return true }
