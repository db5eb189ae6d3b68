// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/vishvananda/netns"
)

// EchoServer is a TCP echo server running in a namespace.
type EchoServer struct {
	Port      int
	Namespace netns.NsHandle
	listener  net.Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// StartEchoServer starts a TCP echo server in the specified namespace.
func StartEchoServer(ns netns.NsHandle, port int) (*EchoServer, error) {
	server := &EchoServer{
		Port:      port,
		Namespace: ns,
	}

	var listener net.Listener
	err := RunInNamespace(ns, func() error {
		var listenErr error
		listener, listenErr = net.Listen("tcp", fmt.Sprintf(":%d", port))
		return listenErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	server.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	server.cancel = cancel

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()

		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	return server, nil
}

// Stop stops the echo server.
func (es *EchoServer) Stop() {
	if es.cancel != nil {
		es.cancel()
	}
	if es.listener != nil {
		es.listener.Close()
	}
	es.wg.Wait()
}

// SendTCP connects from ns to dst:port, writes data, and verifies the echo.
func SendTCP(ns netns.NsHandle, dst string, port int, data []byte) error {
	return RunInNamespace(ns, func() error {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(dst, strconv.Itoa(port)), 2*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("failed to send data: %w", err)
		}

		buf := make([]byte, len(data))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if !bytes.Equal(buf, data) {
			return fmt.Errorf("echo mismatch after %d bytes", len(data))
		}

		return nil
	})
}

// PingHost sends count ICMP echo requests from the namespace.
func PingHost(ns netns.NsHandle, host string, count int) error {
	return RunInNamespace(ns, func() error {
		cmd := exec.Command("ping", "-c", strconv.Itoa(count), "-W", "2", host)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("ping failed: %w, output: %s", err, output)
		}
		return nil
	})
}

// TryConnect attempts to establish a TCP connection to test reachability.
func TryConnect(ns netns.NsHandle, host string, port int) bool {
	err := RunInNamespace(ns, func() error {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 1*time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	return err == nil
}

// WaitForServer waits for a TCP server to be ready.
// It tries to connect multiple times with exponential backoff.
func WaitForServer(ns netns.NsHandle, host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	attempt := 0

	for time.Now().Before(deadline) {
		if TryConnect(ns, host, port) {
			return nil
		}

		attempt++
		wait := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
		if wait > 500*time.Millisecond {
			wait = 500 * time.Millisecond
		}
		time.Sleep(wait)
	}

	return fmt.Errorf("timeout waiting for server at %s:%d", host, port)
}

// RunInNamespace executes fn with the calling thread switched into ns.
func RunInNamespace(ns netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	originalNS, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get original namespace: %w", err)
	}
	defer originalNS.Close()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("failed to enter namespace: %w", err)
	}

	execErr := fn()

	if err := netns.Set(originalNS); err != nil {
		if execErr != nil {
			return fmt.Errorf("function error: %v, namespace restore error: %w", execErr, err)
		}
		return fmt.Errorf("failed to restore namespace: %w", err)
	}

	return execErr
}
