// Package mitm runs the proxy's accept loop: it terminates the client's
// CONNECT tunnel, decodes each plaintext request traveling over it, and
// hands every request to a dispatch.Dispatcher, writing back whatever
// response it returns. This is the "intercepting MITM proxy framework"
// layer spec.md treats as an external collaborator; no vendored MITM
// library exists in the dependency pack, so it's implemented directly
// against crypto/tls and net/http here — see DESIGN.md.
package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hudproxy/internal/ca"
	"hudproxy/internal/dispatch"
)

// Server terminates client connections, performs the TLS handshake with
// a per-host leaf certificate, and dispatches decoded requests.
type Server struct {
	Listener   net.Listener
	Leaves     *ca.LeafStore
	Dispatcher *dispatch.Dispatcher
	Logger     zerolog.Logger

	// HandshakeTimeout bounds how long a client has to complete the
	// CONNECT request and, for HTTPS, the subsequent TLS handshake.
	HandshakeTimeout time.Duration

	shuttingDown atomic.Bool
}

// DefaultHandshakeTimeout matches local_proxy.go's own initial-request
// read deadline.
const DefaultHandshakeTimeout = 30 * time.Second

// Serve runs the accept loop until the listener is closed or ctx is
// canceled, and blocks until then.
func (s *Server) Serve(ctx context.Context) error {
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	go func() {
		<-ctx.Done()
		s.shuttingDown.Store(true)
		s.Listener.Close()
	}()

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(ctx, conn, timeout)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, timeout time.Duration) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		writeError(conn, http.StatusBadRequest)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Method != http.MethodConnect {
		s.serveLoop(ctx, conn, reader, req, req.Host)
		return
	}

	s.handleConnect(ctx, conn, req)
}

// handleConnect authenticates the CONNECT itself (the dispatcher stores
// the session keyed by ConnectionKey before anything is encrypted),
// answers 200, then terminates TLS and serves the decrypted requests
// that follow over the same tunnel.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	targetHost := req.Host
	if targetHost == "" {
		targetHost = req.URL.Host
	}
	host, _, err := net.SplitHostPort(targetHost)
	if err != nil {
		host = targetHost
	}

	resp := s.Dispatcher.Handle(ctx, req, conn.RemoteAddr(), targetHost)
	if err := writeResponse(conn, resp); err != nil {
		return
	}
	if resp.StatusCode != http.StatusOK {
		return
	}

	leaf, err := s.Leaves.LeafFor(host)
	if err != nil {
		s.Logger.Error().Err(err).Str("host", host).Msg("mint leaf certificate failed")
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	tlsConn.SetDeadline(time.Now().Add(s.idleTimeout()))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.Logger.Debug().Err(err).Str("host", host).Msg("client tls handshake failed")
		return
	}
	tlsConn.SetDeadline(time.Time{})
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		tlsConn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		plainReq, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		if plainReq.URL.Scheme == "" {
			plainReq.URL.Scheme = "https"
		}
		if plainReq.URL.Host == "" {
			plainReq.URL.Host = targetHost
		}

		resp := s.Dispatcher.Handle(ctx, plainReq, conn.RemoteAddr(), targetHost)
		if err := writeResponse(tlsConn, resp); err != nil {
			return
		}
	}
}

// serveLoop handles the plain (non-CONNECT) proxy path: req's own
// absolute-form URL already names the target, so there is no tunnel to
// terminate — just dispatch and reply, then keep reading pipelined
// requests off the same connection.
func (s *Server) serveLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader, first *http.Request, targetHost string) {
	req := first
	for {
		if req.URL.Scheme == "" {
			req.URL.Scheme = "http"
		}
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}

		resp := s.Dispatcher.Handle(ctx, req, conn.RemoteAddr(), targetHost)
		if err := writeResponse(conn, resp); err != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		next, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req = next
	}
}

func (s *Server) idleTimeout() time.Duration {
	if s.HandshakeTimeout > 0 {
		return s.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// writeResponse serializes resp onto w in HTTP/1.1 framing. A response
// with neither Content-Length nor Transfer-Encoding is read-until-close
// per RFC 7230 §3.3.3, which breaks every loop here that keeps the
// connection open for a pipelined next request — so every response gets
// one or the other: Content-Length when resp.Header already states it
// (the common case; internal/upstream's decoder sets it to the decoded
// byte count) or when there's no body at all (including the canned
// 407/308/500 responses, whose Body is http.NoBody), and chunked
// Transfer-Encoding for the rare body of otherwise-unknown length.
func writeResponse(w io.Writer, resp *http.Response) error {
	bw := bufio.NewWriterSize(w, 64*1024)

	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", status); err != nil {
		return err
	}

	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	hasBody := resp.Body != nil && resp.Body != http.NoBody
	chunked := hasBody && resp.Header.Get("Content-Length") == ""
	switch {
	case chunked:
		resp.Header.Set("Transfer-Encoding", "chunked")
	case resp.Header.Get("Content-Length") == "":
		resp.Header.Set("Content-Length", "0")
	}

	for key, values := range resp.Header {
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}

	if hasBody {
		defer resp.Body.Close()
		buf := make([]byte, 64*1024)
		if chunked {
			cw := httputil.NewChunkedWriter(bw)
			if _, err := io.CopyBuffer(cw, resp.Body, buf); err != nil {
				return err
			}
			if err := cw.Close(); err != nil {
				return err
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return err
			}
		} else if _, err := io.CopyBuffer(bw, resp.Body, buf); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeError(conn net.Conn, status int) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", status, http.StatusText(status))
}
