// Small helpers shared by the server and the CLI
package dcutils

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

const domainSocketScheme = "domainsocket://"

// "domainsocket:///run/drivecopy.sock" listens on a unix socket, anything else is a TCP address
func Listen(addr string, logl *logex.Leveled) (net.Listener, error) {
	if socketPath := DomainSocketPath(addr); socketPath != "" {
		return listenDomainSocket(socketPath, logl)
	}

	return net.Listen("tcp", addr)
}

func listenDomainSocket(socketPath string, logl *logex.Leveled) (net.Listener, error) {
	exists, err := fileexists.Exists(socketPath)
	if err != nil {
		return nil, err
	}

	// left behind by a crashed server
	if exists {
		logl.Info.Printf("removing stale socket %s", socketPath)

		if err := os.Remove(socketPath); err != nil {
			return nil, err
		}
	}

	return net.Listen("unix", socketPath)
}

// "" if addr is not a domain socket address
func DomainSocketPath(addr string) string {
	if !strings.HasPrefix(addr, domainSocketScheme) {
		return ""
	}

	return addr[len(domainSocketScheme):]
}

// base URL of the REST API a client reaches given listen address at
func BaseURL(listenAddr string) string {
	if DomainSocketPath(listenAddr) != "" {
		return "http://localhost"
	}

	return "http://" + listenAddr
}

// client for reaching a server listening at listenAddr. domain sockets need a custom dialer
func HTTPClient(listenAddr string) *http.Client {
	socketPath := DomainSocketPath(listenAddr)
	if socketPath == "" {
		return http.DefaultClient
	}

	dialer := net.Dialer{}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}
