// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlscfg builds the server-side TLS configuration used to
// terminate TLS on the secure listener.
package tlscfg

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// ErrEmptyChain is returned when a provider yields a certificate with no chain.
var ErrEmptyChain = errors.New("certificate chain is empty")

// Provider yields the certificate chain and private key the secure
// listener presents to connecting clients. It is consulted once, at
// startup of the secure listener.
type Provider interface {
	Load() (tls.Certificate, error)
}

// FileProvider loads a PEM-encoded certificate chain and matching
// private key from the filesystem.
type FileProvider struct {
	CertFile string
	KeyFile  string
}

var _ Provider = (*FileProvider)(nil)

// Load reads and validates the key pair. It fails if either file is
// unreadable, the key is malformed, or the key does not match the leaf
// certificate.
func (p FileProvider) Load() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair from %s: %w", p.CertFile, err)
	}
	return cert, nil
}

// PEMProvider builds the key pair from in-memory PEM blocks.
type PEMProvider struct {
	CertPEM []byte
	KeyPEM  []byte
}

var _ Provider = (*PEMProvider)(nil)

// Load parses and validates the key pair.
func (p PEMProvider) Load() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(p.CertPEM, p.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse key pair: %w", err)
	}
	return cert, nil
}

// NewServerConfig builds the TLS termination context for the secure
// listener: a server-side configuration presenting the provider's
// identity to every connecting client. Client certificates are not
// requested. The returned config is built once and shared read-only by
// every handshake; per-connection handshake state never mutates it.
func NewServerConfig(p Provider) (*tls.Config, error) {
	cert, err := p.Load()
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrEmptyChain
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, nil
}
