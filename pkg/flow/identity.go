package flow

import (
	"crypto/x509"
	"fmt"
)

// IdentityResolver resolves the identity of a peer from the
// certificates it presented during the TLS handshake.
//
// *Implementations* MUST NOT block, they are invoked on the connection
// establishment critical path.
type IdentityResolver func(certs []*x509.Certificate) (string, error)

// CommonNameResolver is the default resolver: the identity is the
// Subject Common Name of the leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: peer presented no certificate", ErrIdentity)
	}
	if certs[0].Subject.CommonName == "" {
		return "", fmt.Errorf("%w: empty common name", ErrIdentity)
	}
	return certs[0].Subject.CommonName, nil
}
