// Package krb ensures a valid Kerberos ticket exists before tools that
// need authenticated access to the lookaside cache or the build service.
package krb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// KerberosError wraps any failure to obtain or inspect a ticket.
type KerberosError struct {
	Detail string
	Err    error
}

func (e *KerberosError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kerberos: %s: %v", e.Detail, e.Err)
	}
	return "kerberos: " + e.Detail
}

func (e *KerberosError) Unwrap() error { return e.Err }

// Broker acquires tickets lazily. It holds no state beyond the external
// credentials cache.
type Broker struct {
	// Keytab is the key material file used to initialize a ticket when the
	// cache holds none. Empty disables acquisition.
	Keytab string
	// Principal is the identity to acquire.
	Principal string
	// CCache overrides the credentials cache location (KRB5CCNAME).
	CCache string

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, env []string, name string, args ...string) (string, error)
}

// NewBroker builds a broker from the keytab, principal and cache paths.
func NewBroker(keytab, principal, ccache string) *Broker {
	return &Broker{
		Keytab:     keytab,
		Principal:  principal,
		CCache:     ccache,
		runCommand: runCommand,
	}
}

func runCommand(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Env returns the environment overrides a command needs to see the broker's
// credentials cache. Nil when the default cache is in use.
func (b *Broker) Env() []string {
	if b.CCache == "" {
		return nil
	}
	return []string{"KRB5CCNAME=" + b.CCache}
}

// EnsureTicket checks for a non-expired ticket in the cache and, when the
// keytab is configured and the principal is not already cached, acquires
// one. Returns the cached principal.
func (b *Broker) EnsureTicket(ctx context.Context) (string, error) {
	principal, err := b.cachedPrincipal(ctx)
	if err == nil && principal != "" {
		if b.Principal == "" || principal == b.Principal {
			return principal, nil
		}
	}

	if b.Keytab == "" {
		return "", &KerberosError{Detail: "no valid ticket and no keytab configured", Err: err}
	}

	args := []string{"-k", "-t", b.Keytab}
	if b.Principal != "" {
		args = append(args, b.Principal)
	}
	if out, err := b.runCommand(ctx, b.Env(), "kinit", args...); err != nil {
		return "", &KerberosError{Detail: "kinit failed: " + strings.TrimSpace(out), Err: err}
	}

	principal, err = b.cachedPrincipal(ctx)
	if err != nil {
		return "", &KerberosError{Detail: "ticket not present after kinit", Err: err}
	}
	return principal, nil
}

// cachedPrincipal returns the default principal of a valid cached ticket.
func (b *Broker) cachedPrincipal(ctx context.Context) (string, error) {
	// klist -s exits non-zero when the cache is missing or expired.
	if _, err := b.runCommand(ctx, b.Env(), "klist", "-s"); err != nil {
		return "", &KerberosError{Detail: "no valid credentials cache", Err: err}
	}
	out, err := b.runCommand(ctx, b.Env(), "klist")
	if err != nil {
		return "", &KerberosError{Detail: "klist failed", Err: err}
	}
	for _, line := range strings.Split(out, "\n") {
		if _, p, ok := strings.Cut(line, "Default principal:"); ok {
			return strings.TrimSpace(p), nil
		}
	}
	return "", &KerberosError{Detail: "no default principal in credentials cache"}
}
