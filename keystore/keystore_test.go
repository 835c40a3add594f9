package keystore

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // test mirrors the protocol
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-indicator/envelope"
	"presence-indicator/pkg/presence"
)

type fixture struct {
	key     *rsa.PrivateKey
	certPEM []byte
	der     []byte
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "presence-indicator"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return fixture{
		key:     key,
		der:     der,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (f fixture) pkcs1() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(f.key)})
}

func (f fixture) pkcs8(t *testing.T) []byte {
	t.Helper()
	b, err := x509.MarshalPKCS8PrivateKey(f.key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b})
}

func (f fixture) wrap(t *testing.T, key []byte) string {
	t.Helper()
	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &f.key.PublicKey, key, nil) //nolint:gosec // protocol
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(wrapped)
}

func writeFiles(t *testing.T, certPEM, keyPEM []byte) Entry {
	t.Helper()
	dir := t.TempDir()
	e := Entry{ID: "cert-1", CertFile: filepath.Join(dir, "cert.pem"), KeyFile: filepath.Join(dir, "key.pem")}
	require.NoError(t, os.WriteFile(e.CertFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(e.KeyFile, keyPEM, 0o600))
	return e
}

func TestLoadAcceptsPKCS1AndPKCS8(t *testing.T) {
	f := newFixture(t)
	for name, keyPEM := range map[string][]byte{"pkcs1": f.pkcs1(), "pkcs8": f.pkcs8(t)} {
		t.Run(name, func(t *testing.T) {
			s, err := Load(writeFiles(t, f.certPEM, keyPEM))
			require.NoError(t, err)
			assert.Equal(t, []string{"cert-1"}, s.IDs())

			cert, err := s.Certificate("cert-1")
			require.NoError(t, err)
			assert.Equal(t, base64.StdEncoding.EncodeToString(f.der), cert)
		})
	}
}

func TestLoadRejectsMismatchedKey(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	_, err := Load(writeFiles(t, f.certPEM, other.pkcs1()))
	assert.ErrorContains(t, err, "does not match")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(Entry{ID: "x", CertFile: filepath.Join(t.TempDir(), "nope.pem")})
	assert.Error(t, err)
}

func TestThumbprint(t *testing.T) {
	tp := Thumbprint([]byte("abc"))
	assert.Equal(t, "A9993E364706816ABA3E25717850C26C9CD0D89D", tp)
}

func TestUnwrap(t *testing.T) {
	f := newFixture(t)
	s := &Store{byID: map[string]*pair{}, byThumbprint: map[string]*pair{}}
	require.NoError(t, s.Add("cert-1", f.certPEM, f.pkcs1()))
	dataKey := bytes.Repeat([]byte{0x5a}, 32)
	wrapped := f.wrap(t, dataKey)
	tp := Thumbprint(f.der)

	tests := []struct {
		name       string
		id         string
		thumbprint string
		wrapped    string
		want       envelope.Kind
	}{
		{name: "by id", id: "cert-1", wrapped: wrapped},
		{name: "by id and thumbprint", id: "cert-1", thumbprint: tp, wrapped: wrapped},
		{name: "lowercase thumbprint", id: "cert-1", thumbprint: strings.ToLower(tp), wrapped: wrapped},
		{name: "thumbprint only", thumbprint: tp, wrapped: wrapped},
		{name: "unknown id", id: "cert-2", wrapped: wrapped, want: envelope.KindKeyNotFound},
		{name: "thumbprint mismatch", id: "cert-1", thumbprint: "00", wrapped: wrapped, want: envelope.KindKeyNotFound},
		{name: "nothing supplied", wrapped: wrapped, want: envelope.KindKeyNotFound},
		{name: "not base64", id: "cert-1", wrapped: "***", want: envelope.KindUnwrap},
		{name: "garbage ciphertext", id: "cert-1", wrapped: base64.StdEncoding.EncodeToString([]byte("junk")), want: envelope.KindUnwrap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Unwrap(tt.id, tt.thumbprint, tt.wrapped)
			if tt.want != envelope.KindNone {
				require.Error(t, err)
				assert.Equal(t, tt.want, envelope.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dataKey, got)
		})
	}
}

// A notification sealed with a known certificate decrypts end to end.
func TestKnownKeyEnvelope(t *testing.T) {
	f := newFixture(t)
	s, err := Load(writeFiles(t, f.certPEM, f.pkcs8(t)))
	require.NoError(t, err)

	dataKey := bytes.Repeat([]byte{0x11}, 32)
	ct, err := envelope.Encrypt([]byte(`{"availability":"Away","activity":"BeRightBack"}`), dataKey)
	require.NoError(t, err)
	env := presence.EncryptedEnvelope{
		Data:                            base64.StdEncoding.EncodeToString(ct),
		DataSignature:                   envelope.Sign(ct, dataKey),
		DataKey:                         f.wrap(t, dataKey),
		EncryptionCertificateID:         "cert-1",
		EncryptionCertificateThumbprint: Thumbprint(f.der),
	}

	rec, err := envelope.New(s).Open(env)
	require.NoError(t, err)
	assert.Equal(t, presence.Record{Availability: "Away", Activity: "BeRightBack"}, rec)

	env.EncryptionCertificateID = "retired"
	_, err = envelope.New(s).Open(env)
	assert.True(t, envelope.IsKeyNotFound(err))
}
