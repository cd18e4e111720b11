//go:build !linux

package console

import (
	"errors"
	"io"
	"os"
)

func readRawLine(*os.File, io.Writer, *History) (string, error) {
	return "", errors.ErrUnsupported
}

func rawSupported() bool { return false }
