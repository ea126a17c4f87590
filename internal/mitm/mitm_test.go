package mitm_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"hudproxy/internal/authn"
	"hudproxy/internal/ca"
	"hudproxy/internal/dispatch"
	"hudproxy/internal/mitm"
	"hudproxy/internal/session"
	"hudproxy/internal/upstream"
	"hudproxy/internal/upstream/mockupstream"
)

func validProxyAuth() string {
	creds := "customer-user1-session_id-abc-country-US-session_time-300:pw"
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func startServer(t *testing.T, factory upstream.Factory) (addr string, certPool *x509.CertPool) {
	t.Helper()

	root, _, err := ca.EnsureCA(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)

	d := dispatch.New(authn.New(), session.NewStore(), upstream.NewStore(factory), zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &mitm.Server{
		Listener:         ln,
		Leaves:           ca.NewLeafStore(root),
		Dispatcher:       d,
		Logger:           zerolog.Nop(),
		HandshakeTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return ln.Addr().String(), pool
}

func TestServer_ConnectThenHTTPSRequest_RoundTrips(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mockupstream.NewMockClient(ctrl)
	mockClient.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(&upstream.Response{
		StatusCode: 200,
		Header:     http.Header{"X-Test": []string{"ok"}},
		Body:       http.NoBody,
	}, nil)

	addr, pool := startServer(t, func() upstream.Client { return mockClient })

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nProxy-Authorization: %s\r\n\r\n", validProxyAuth())

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tlsConn := tls.Client(conn, &tls.Config{ServerName: "example.com", RootCAs: pool})
	require.NoError(t, tlsConn.HandshakeContext(context.Background()))

	fmt.Fprintf(tlsConn, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	tlsReader := bufio.NewReader(tlsConn)
	innerResp, err := http.ReadResponse(tlsReader, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, innerResp.StatusCode)
	require.Equal(t, "ok", innerResp.Header.Get("X-Test"))
}

func TestServer_ConnectWithoutAuth_Returns407(t *testing.T) {
	addr, _ := startServer(t, func() upstream.Client { return nil })

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
}
