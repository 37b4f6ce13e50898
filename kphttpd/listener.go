package main

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/thialfihar/python-keepass-httpd/config"
)

// listen opens the HTTP listener: vsock when a port is configured,
// otherwise TCP on the configured address.
func listen(cfg config.HTTPConfig) (net.Listener, error) {
	if cfg.VsockPort != 0 {
		ln, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on vsock port %d: %w", cfg.VsockPort, err)
		}
		return ln, nil
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	return ln, nil
}
