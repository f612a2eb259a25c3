// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
}

type termiosDriver struct{}

func newSystemSerialDriver() (SerialDriver, error) {
	return termiosDriver{}, nil
}

// Open opens path non-blocking (so os.NewFile registers it with the
// runtime poller and Close unblocks a pending Read) and configures raw
// 8N1 at baud with no flow control.
func (termiosDriver) Open(path string, baud int) (io.ReadWriteCloser, error) {
	rate, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s is not a terminal device: %w", path, err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | rate
	termios.Ispeed = rate
	termios.Ospeed = rate
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configuring %s: %w", path, err)
	}
	// Discard anything the device buffered before we configured it.
	unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return &serialPort{File: os.NewFile(uintptr(fd), path), fd: fd}, nil
}

type serialPort struct {
	*os.File
	fd int
}

// Drain blocks until all written output has been transmitted.
func (p *serialPort) Drain() error {
	// TCSBRK with a non-zero argument is tcdrain.
	return unix.IoctlSetInt(p.fd, unix.TCSBRK, 1)
}
