// Package keystore holds the certificate/private-key pairs used to unwrap
// notification data keys.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // thumbprints and OAEP are SHA-1 by protocol
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"presence-indicator/envelope"
)

// Entry names one certificate/key pair on disk.
type Entry struct {
	ID       string
	CertFile string
	KeyFile  string
}

type pair struct {
	key        *rsa.PrivateKey
	id         string
	thumbprint string
	der        []byte
}

// Store is read-only after Load and safe for concurrent use.
type Store struct {
	byID         map[string]*pair
	byThumbprint map[string]*pair
}

// Load reads every entry. Any unreadable or mismatched pair fails the whole load.
func Load(entries ...Entry) (*Store, error) {
	if len(entries) == 0 {
		return nil, errors.New("keystore: no certificates configured")
	}
	s := &Store{
		byID:         make(map[string]*pair, len(entries)),
		byThumbprint: make(map[string]*pair, len(entries)),
	}
	for _, e := range entries {
		certPEM, err := os.ReadFile(e.CertFile)
		if err != nil {
			return nil, fmt.Errorf("keystore: read certificate %s: %w", e.ID, err)
		}
		keyPEM, err := os.ReadFile(e.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("keystore: read key %s: %w", e.ID, err)
		}
		if err := s.Add(e.ID, certPEM, keyPEM); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a PEM certificate and its private key under id.
func (s *Store) Add(id string, certPEM, keyPEM []byte) error {
	if id == "" {
		return errors.New("keystore: certificate id is required")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("keystore: %s: no CERTIFICATE block", id)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("keystore: %s: parse certificate: %w", id, err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("keystore: %s: %w", id, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return fmt.Errorf("keystore: %s: private key does not match certificate", id)
	}

	p := &pair{id: id, key: key, der: cert.Raw, thumbprint: Thumbprint(cert.Raw)}
	s.byID[id] = p
	s.byThumbprint[p.thumbprint] = p
	return nil
}

func parsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// Thumbprint is the upper-case hex SHA-1 of a certificate's DER bytes.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec // protocol-defined
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (s *Store) lookup(certificateID, thumbprint string) (*pair, error) {
	thumbprint = strings.ToUpper(thumbprint)
	if certificateID == "" {
		if p, ok := s.byThumbprint[thumbprint]; ok && thumbprint != "" {
			return p, nil
		}
		return nil, envelope.Fail(envelope.KindKeyNotFound, fmt.Errorf("no certificate with thumbprint %q", thumbprint))
	}
	p, ok := s.byID[certificateID]
	if !ok {
		return nil, envelope.Fail(envelope.KindKeyNotFound, fmt.Errorf("no certificate with id %q", certificateID))
	}
	if thumbprint != "" && thumbprint != p.thumbprint {
		return nil, envelope.Fail(envelope.KindKeyNotFound, fmt.Errorf("certificate %q thumbprint mismatch", certificateID))
	}
	return p, nil
}

// Unwrap decodes the base64 wrapped key and decrypts it with RSA-OAEP/SHA-1.
// The caller owns the returned slice and must wipe it.
func (s *Store) Unwrap(certificateID, thumbprint, wrappedKey string) ([]byte, error) {
	p, err := s.lookup(certificateID, thumbprint)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, envelope.Fail(envelope.KindUnwrap, fmt.Errorf("decode wrapped key: %w", err))
	}
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, p.key, wrapped, nil) //nolint:gosec // protocol-defined
	if err != nil {
		return nil, envelope.Fail(envelope.KindUnwrap, err)
	}
	return key, nil
}

// Certificate returns the base64 DER of the certificate registered as id.
func (s *Store) Certificate(id string) (string, error) {
	p, ok := s.byID[id]
	if !ok {
		return "", envelope.Fail(envelope.KindKeyNotFound, fmt.Errorf("no certificate with id %q", id))
	}
	return base64.StdEncoding.EncodeToString(p.der), nil
}

// IDs lists the registered certificate ids.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}
