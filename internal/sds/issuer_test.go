package sds

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/stretchr/testify/require"
)

// fakeServerStream is the minimal grpc.ServerStream implementation needed
// to drive StreamSecrets/DeltaSecrets in-process.
type fakeServerStream struct{}

func (fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (fakeServerStream) SetTrailer(metadata.MD)       {}
func (fakeServerStream) Context() context.Context     { return context.Background() }
func (fakeServerStream) SendMsg(m interface{}) error  { return nil }
func (fakeServerStream) RecvMsg(m interface{}) error  { return nil }

func writeTestCA(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test intermediate CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	require.NoError(t, os.WriteFile(certPath, certOut, 0o644))
	require.NoError(t, os.WriteFile(keyPath, keyOut, 0o644))
	return certPath, keyPath
}

func TestIssueForMintsLeafSignedByCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	iss, err := New(Config{CACertPath: certPath, CAKeyPath: keyPath})
	require.NoError(t, err)

	cert, err := iss.IssueFor("example.com")
	require.NoError(t, err)
	require.NotEmpty(t, cert.certPEM)
	require.NotEmpty(t, cert.keyPEM)

	block, _ := pem.Decode(cert.certPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, "example.com", leaf.Subject.CommonName)
	require.Contains(t, leaf.DNSNames, "example.com")
	require.WithinDuration(t, time.Now().Add(-validityBefore), leaf.NotBefore, time.Minute)
	require.WithinDuration(t, time.Now().Add(validityAfter), leaf.NotAfter, time.Minute)

	roots := x509.NewCertPool()
	caPEM, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.True(t, roots.AppendCertsFromPEM(caPEM))

	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	require.NoError(t, err)
}

func TestIssueForCachesRepeatedLookups(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	iss, err := New(Config{CACertPath: certPath, CAKeyPath: keyPath})
	require.NoError(t, err)

	first, err := iss.IssueFor("cached.example.com")
	require.NoError(t, err)
	second, err := iss.IssueFor("cached.example.com")
	require.NoError(t, err)

	require.Equal(t, first, second, "second lookup must hit the cache, not mint a new cert")
}

func TestIssueForEvictsBeyondCapacity(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	iss, err := New(Config{CACertPath: certPath, CAKeyPath: keyPath, CacheMaxSize: 2})
	require.NoError(t, err)

	_, err = iss.IssueFor("a.example.com")
	require.NoError(t, err)
	_, err = iss.IssueFor("b.example.com")
	require.NoError(t, err)
	_, err = iss.IssueFor("c.example.com")
	require.NoError(t, err)

	_, ok := iss.cache.get("a.example.com")
	require.False(t, ok, "oldest entry must be evicted once capacity is exceeded")
}
