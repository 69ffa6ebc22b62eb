package main

import "net"

func listen(addr string) (net.Listener, error) {
	if addr == "" {
		addr = ":8080"
	}
	return net.Listen("tcp", addr)
}
