package cmd

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// parseServeAddr resolves the listen address for the serve command. A
// positional argument or an -addr flag overrides defaultAddr (the
// config's listen_addr):
//
//	docpipe serve :8080
//	docpipe serve -addr :8080
//	docpipe serve --addr=:8080
func parseServeAddr(args []string, defaultAddr string) (string, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", defaultAddr, "listen address (host:port)")

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		*addr = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("parsing serve flags: %w", err)
	}

	if err := validateAddr(*addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", *addr, err)
	}
	return *addr, nil
}

// validateAddr checks a host:port listen address. The host may be
// empty (all interfaces), localhost, an IP, or a plain hostname; the
// port must be numeric, 0 meaning auto-assign.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("want host:port: %w", err)
	}

	if port == "" {
		return fmt.Errorf("missing port")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port %q is not a number", port)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("port out of range: %d", n)
	}

	switch {
	case host == "" || host == "localhost":
	case net.ParseIP(host) != nil:
	case strings.ContainsAny(host, " \t\n"):
		return fmt.Errorf("invalid host: %s", host)
	}
	return nil
}
