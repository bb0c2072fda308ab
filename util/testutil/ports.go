package testutil

import (
	"fmt"
	"net"
	"sync"
)

const maxTrackedPorts = 1000

var (
	// handedOut remembers recently returned ports so rapid successive calls
	// never return the same one twice.
	handedOut   = make(map[int]struct{})
	handedOrder []int
	portsMu     sync.Mutex
)

// GetFreePort returns a TCP port on localhost that was free when checked.
// It panics when no port can be allocated.
func GetFreePort() int {
	portsMu.Lock()
	defer portsMu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if _, seen := handedOut[port]; seen {
			continue
		}
		handedOut[port] = struct{}{}
		handedOrder = append(handedOrder, port)
		if len(handedOrder) > maxTrackedPorts {
			delete(handedOut, handedOrder[0])
			handedOrder = handedOrder[1:]
		}
		return port
	}

	panic("failed to get unique free port after 100 attempts")
}

// GetFreeAddress returns "localhost:<port>" for a port from GetFreePort
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
