package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type mockConn struct {
	net.Conn
	reads   [][]byte // each entry is returned by one Read() call
	readIdx int
	mu      sync.Mutex
}

func newMockConn(reads ...[]byte) *mockConn {
	return &mockConn{reads: reads}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readIdx >= len(m.reads) {
		return 0, io.EOF
	}
	data := m.reads[m.readIdx]
	m.readIdx++
	return copy(b, data), nil
}

func (m *mockConn) Write(b []byte) (int, error)       { return len(b), nil }
func (m *mockConn) Close() error                      { return nil }
func (m *mockConn) LocalAddr() net.Addr               { return &net.TCPAddr{} }
func (m *mockConn) RemoteAddr() net.Addr              { return &net.TCPAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error     { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

type captureConn struct {
	net.Conn
	writeBuf *[]byte
}

func (c *captureConn) Write(b []byte) (int, error) {
	*c.writeBuf = append(*c.writeBuf, b...)
	return len(b), nil
}
func (c *captureConn) Read(b []byte) (int, error)       { return 0, io.EOF }
func (c *captureConn) Close() error                     { return nil }
func (c *captureConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *captureConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *captureConn) SetDeadline(t time.Time) error    { return nil }
func (c *captureConn) SetReadDeadline(t time.Time) error { return nil }
func (c *captureConn) SetWriteDeadline(t time.Time) error { return nil }

func isSpecErr(err error, target **SpeculativeTLSError) bool {
	specErr, ok := err.(*SpeculativeTLSError)
	if ok {
		*target = specErr
	}
	return ok
}

func TestSpeculativeConnIterativeRead(t *testing.T) {
	t.Run("complete response in single read", func(t *testing.T) {
		httpResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
		tlsData := []byte{0x16, 0x03, 0x03, 0x00, 0x05}

		conn := newMockConn(append([]byte(httpResponse), tlsData...))
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
		sc.firstWrite = true // skip write interception

		buf := make([]byte, 1024)
		n, err := sc.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(tlsData) {
			t.Fatalf("expected %d bytes of TLS data, got %d", len(tlsData), n)
		}
		if !bytes.Equal(buf[:n], tlsData) {
			t.Fatalf("TLS data mismatch: got %v, want %v", buf[:n], tlsData)
		}
	})

	t.Run("partial header across multiple reads", func(t *testing.T) {
		part1 := []byte("HTTP/1.1 200 Co")
		part2 := []byte("nnection established\r\n")
		part3 := []byte("\r\n")
		tlsData := []byte{0x16, 0x03, 0x03}

		conn := newMockConn(part1, part2, append(part3, tlsData...))
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		n, err := sc.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(tlsData) {
			t.Fatalf("expected %d bytes of TLS data, got %d", len(tlsData), n)
		}
		if !bytes.Equal(buf[:n], tlsData) {
			t.Fatalf("TLS data mismatch: got %v, want %v", buf[:n], tlsData)
		}
	})

	t.Run("byte-at-a-time reads (worst case for recursion)", func(t *testing.T) {
		fullResponse := "HTTP/1.1 200 OK\r\n\r\n"
		tlsData := []byte{0x16, 0x03}

		var reads [][]byte
		for _, b := range []byte(fullResponse) {
			reads = append(reads, []byte{b})
		}
		reads = append(reads, tlsData)

		conn := newMockConn(reads...)
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		n, err := sc.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(tlsData) {
			t.Fatalf("expected %d bytes of TLS data, got %d", len(tlsData), n)
		}
	})

	t.Run("header exceeds 16KB limit", func(t *testing.T) {
		header := "HTTP/1.1 200 OK\r\n"
		for len(header) < 17000 {
			header += fmt.Sprintf("X-Pad-%d: %s\r\n", len(header), string(make([]byte, 100)))
		}

		var reads [][]byte
		for i := 0; i < len(header); i += 4096 {
			end := i + 4096
			if end > len(header) {
				end = len(header)
			}
			reads = append(reads, []byte(header[i:end]))
		}

		conn := newMockConn(reads...)
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		_, err := sc.Read(buf)
		if err == nil {
			t.Fatal("expected error for oversized headers")
		}
		if !IsSpeculativeTLSError(err) {
			t.Fatalf("expected SpeculativeTLSError, got %T: %v", err, err)
		}
	})

	t.Run("non-200 status code", func(t *testing.T) {
		response := "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"
		conn := newMockConn([]byte(response))
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		_, err := sc.Read(buf)
		if err == nil {
			t.Fatal("expected error for 407 status")
		}
		var specErr *SpeculativeTLSError
		if !isSpecErr(err, &specErr) {
			t.Fatalf("expected SpeculativeTLSError, got %T: %v", err, err)
		}
		if specErr.StatusCode != 407 {
			t.Fatalf("expected status 407, got %d", specErr.StatusCode)
		}
	})

	t.Run("response with no TLS data triggers direct read", func(t *testing.T) {
		response := "HTTP/1.1 200 OK\r\n\r\n"
		tlsData := []byte{0x16, 0x03, 0x03, 0x00, 0x01}

		conn := newMockConn([]byte(response), tlsData)
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		n, err := sc.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(tlsData) {
			t.Fatalf("expected %d bytes, got %d", len(tlsData), n)
		}
	})
}

func TestSpeculativeConnWriteInterception(t *testing.T) {
	var written []byte
	conn := &captureConn{writeBuf: &written}

	connectReq := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	sc := NewSpeculativeConn(conn, connectReq)

	clientHello := []byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00, 0x01, 0x00}
	n, err := sc.Write(clientHello)
	if err != nil {
		t.Fatalf("first write error: %v", err)
	}
	if n != len(clientHello) {
		t.Fatalf("first write: expected %d bytes reported, got %d", len(clientHello), n)
	}

	expected := append([]byte(connectReq), clientHello...)
	if !bytes.Equal(written, expected) {
		t.Fatalf("first write: data mismatch\ngot:  %q\nwant: %q", written, expected)
	}

	written = nil
	data2 := []byte{0x14, 0x03, 0x03, 0x00, 0x01, 0x01}
	n, err = sc.Write(data2)
	if err != nil {
		t.Fatalf("second write error: %v", err)
	}
	if n != len(data2) {
		t.Fatalf("second write: expected %d bytes, got %d", len(data2), n)
	}
	if !bytes.Equal(written, data2) {
		t.Fatalf("second write should pass through directly, got %q", written)
	}
}

func TestSpeculativeConnSubsequentReads(t *testing.T) {
	t.Run("reads after HTTP stripping go directly to conn", func(t *testing.T) {
		httpResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
		tlsBatch1 := []byte{0x16, 0x03, 0x03}
		tlsBatch2 := []byte{0x14, 0x03, 0x03, 0x00, 0x01}

		conn := newMockConn(
			append([]byte(httpResponse), tlsBatch1...),
			tlsBatch2,
		)
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		n, err := sc.Read(buf)
		if err != nil {
			t.Fatalf("first read error: %v", err)
		}
		if !bytes.Equal(buf[:n], tlsBatch1) {
			t.Fatalf("first read: got %v, want %v", buf[:n], tlsBatch1)
		}

		n, err = sc.Read(buf)
		if err != nil {
			t.Fatalf("second read error: %v", err)
		}
		if !bytes.Equal(buf[:n], tlsBatch2) {
			t.Fatalf("second read: got %v, want %v", buf[:n], tlsBatch2)
		}
	})

	t.Run("buffered TLS data returned before new reads", func(t *testing.T) {
		httpResponse := "HTTP/1.1 200 OK\r\n\r\n"
		tlsData := make([]byte, 100)
		for i := range tlsData {
			tlsData[i] = byte(i)
		}

		conn := newMockConn(append([]byte(httpResponse), tlsData...))
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		smallBuf := make([]byte, 10)
		n1, err := sc.Read(smallBuf)
		if err != nil {
			t.Fatalf("first read error: %v", err)
		}
		if n1 != 10 {
			t.Fatalf("expected 10 bytes, got %d", n1)
		}

		largeBuf := make([]byte, 200)
		n2, err := sc.Read(largeBuf)
		if err != nil {
			t.Fatalf("second read error: %v", err)
		}
		if n2 != 90 {
			t.Fatalf("expected 90 remaining bytes, got %d", n2)
		}

		combined := append(smallBuf[:n1], largeBuf[:n2]...)
		if !bytes.Equal(combined, tlsData) {
			t.Fatalf("combined data mismatch")
		}
	})
}

func BenchmarkSpeculativeConn_SingleRead(b *testing.B) {
	httpResponse := "HTTP/1.1 200 Connection established\r\n\r\n"
	tlsData := []byte{0x16, 0x03, 0x03, 0x00, 0x05}
	data := append([]byte(httpResponse), tlsData...)

	for i := 0; i < b.N; i++ {
		conn := newMockConn(data)
		sc := NewSpeculativeConn(conn, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
		sc.firstWrite = true

		buf := make([]byte, 1024)
		sc.Read(buf)
	}
}
