package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminal answers password and certificate questions on the controlling
// terminal. Questions from different accounts are asked one at a time.
type terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
	// readPassword reads a line without echo.
	readPassword func() ([]byte, error)
}

func newTerminal() *terminal {
	return &terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stderr,
		readPassword: func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		},
	}
}

// RequestPassword implements credential.Prompter. An empty answer declines.
func (t *terminal) RequestPassword(ctx context.Context, key credential.Key) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	fmt.Fprintf(t.out, "Password for %s: ", key)
	b, err := t.readPassword()
	fmt.Fprintln(t.out)
	if err != nil {
		return "", false, fmt.Errorf("read password: %w", err)
	}
	if len(b) == 0 {
		return "", false, nil
	}
	return string(b), true, nil
}

// PresentCertificate implements email.CertificateDecider.
func (t *terminal) PresentCertificate(ctx context.Context, account string, chain []*x509.Certificate) (email.CertificateDecision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return email.Reject, err
	}

	fmt.Fprintf(t.out, "The server certificate for account %s is not trusted.\n", account)
	describeChain(t.out, chain)
	fmt.Fprint(t.out, "Accept it for this connection only? [y/N] ")

	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return email.Reject, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return email.AcceptOnce, nil
	}
	return email.Reject, nil
}

func describeChain(w io.Writer, chain []*x509.Certificate) {
	if len(chain) == 0 {
		fmt.Fprintln(w, "  (no certificate presented)")
		return
	}
	leaf := chain[0]
	fmt.Fprintf(w, "  Subject:     %s\n", leaf.Subject)
	fmt.Fprintf(w, "  Issuer:      %s\n", leaf.Issuer)
	if len(leaf.DNSNames) > 0 {
		fmt.Fprintf(w, "  Names:       %s\n", strings.Join(leaf.DNSNames, ", "))
	}
	fmt.Fprintf(w, "  Valid:       %s to %s\n", leaf.NotBefore.Format("2006-01-02"), leaf.NotAfter.Format("2006-01-02"))
	fmt.Fprintf(w, "  SHA-256:     %s\n", fingerprint(leaf))
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
