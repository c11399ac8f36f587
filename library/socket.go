package library

import (
	"fmt"
	"net"
	"os"
)

// socketName is the UNIX socket's fixed filename within the working
// directory.
const socketName = "sock"

// SocketPath returns the path to root's IPC socket.
func SocketPath(root string) string {
	return root + string(os.PathSeparator) + socketName
}

// Listen binds root's IPC socket, removing any stale socket file left
// behind by an unclean shutdown, and restricts it to owner-only access
// (spec.md section 6.13).
func Listen(root string) (net.Listener, error) {
	path := SocketPath(root)
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("library: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("library: chmod socket: %w", err)
	}
	return l, nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("library: stat socket: %w", err)
	}
	if _, err := net.Dial("unix", path); err == nil {
		return fmt.Errorf("library: socket %s already in use by a running daemon", path)
	}
	return os.Remove(path)
}
