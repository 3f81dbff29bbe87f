package protocol

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// AcceptOne listens on addr, accepts exactly one peer and stops listening.
// ready, if set, is called with the bound address before accepting.
func AcceptOne(ctx context.Context, addr string, ready func(net.Addr)) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	if ready != nil {
		ready(ln.Addr())
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept peer: %w", err)
	}
	return conn, nil
}

// OpenSerial opens a serial device carrying the same framing as TCP.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return port, nil
}
