// Package sds implements the SDS Issuer: on-demand per-SNI leaf
// certificate minting signed by an intermediate CA, cached with bounded
// capacity and TTL. See spec.md §4.K.
package sds

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/errs"
	pb "github.com/aether-platform/ncs-scalable-virusscanner/pb/sds"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = time.Hour
	validityBefore   = 5 * time.Minute
	validityAfter    = 24 * time.Hour
)

// leafCert is the minted material for one SNI.
type leafCert struct {
	certPEM  []byte
	keyPEM   []byte
	chainPEM []byte
}

// Issuer is the SDS Issuer. One Issuer serves every SNI the proxy asks
// for; a single mutex (inside the cache) protects lookup/insert, never
// held across key generation (spec.md §4.K ordering guarantee).
type Issuer struct {
	pb.UnimplementedSecretDiscoveryServiceServer

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	cache  *ttlLRU
	logger *slog.Logger
}

// Config configures an Issuer.
type Config struct {
	CACertPath      string
	CAKeyPath       string
	CacheMaxSize    int
	CacheTTLSeconds int
}

// New loads the intermediate CA from disk and constructs an Issuer.
func New(cfg Config) (*Issuer, error) {
	caCert, caKey, err := loadCA(cfg.CACertPath, cfg.CAKeyPath)
	if err != nil {
		return nil, errs.New(errs.Config, "load_intermediate_ca", err)
	}

	size := cfg.CacheMaxSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := defaultCacheTTL
	if cfg.CacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.CacheTTLSeconds) * time.Second
	}

	return &Issuer{
		caCert: caCert,
		caKey:  caKey,
		cache:  newTTLLRU(size, ttl),
		logger: slog.With("component", "sds_issuer"),
	}, nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, io.ErrUnexpectedEOF
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, io.ErrUnexpectedEOF
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, err
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, errs.New(errs.Config, "parse_ca_key", err2)
		}
		key = rsaKey
	}

	return cert, key, nil
}

// IssueFor returns the cached leaf certificate for sni, minting and
// caching a new one on a miss.
func (iss *Issuer) IssueFor(sni string) (*leafCert, error) {
	if cert, ok := iss.cache.get(sni); ok {
		return cert, nil
	}

	cert, err := iss.generate(sni)
	if err != nil {
		return nil, err
	}
	iss.cache.put(sni, cert)
	return cert, nil
}

func (iss *Issuer) generate(sni string) (*leafCert, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errs.New(errs.Protocol, "generate_leaf_key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errs.New(errs.Protocol, "generate_serial", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sni},
		NotBefore:    now.Add(-validityBefore),
		NotAfter:     now.Add(validityAfter),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{sni},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, iss.caCert, &priv.PublicKey, iss.caKey)
	if err != nil {
		return nil, errs.New(errs.Protocol, "sign_leaf_cert", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: iss.caCert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return &leafCert{certPEM: certPEM, keyPEM: keyPEM, chainPEM: chainPEM}, nil
}

func (c *leafCert) toSecret(name string) *pb.Secret {
	chain := append(append([]byte(nil), c.certPEM...), c.chainPEM...)
	return &pb.Secret{
		Name: name,
		TLSCertificate: &pb.TlsCertificate{
			CertificateChain: &pb.DataSource{InlineBytes: chain},
			PrivateKey:       &pb.DataSource{InlineBytes: c.keyPEM},
		},
	}
}

// StreamSecrets implements the streaming xDS variant: every resource name
// in an incoming request is treated as an SNI.
func (iss *Issuer) StreamSecrets(stream pb.SecretDiscoveryService_StreamSecretsServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		secrets := make([]*pb.Secret, 0, len(req.ResourceNames))
		for _, sni := range req.ResourceNames {
			cert, err := iss.IssueFor(sni)
			if err != nil {
				iss.logger.Warn("failed to mint certificate", "sni", sni, "error", err)
				continue
			}
			secrets = append(secrets, cert.toSecret(sni))
		}

		resp := &pb.DiscoveryResponse{
			VersionInfo: "1",
			Resources:   secrets,
			TypeURL:     req.TypeURL,
			Nonce:       req.ResponseNonce,
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// DeltaSecrets implements the delta-xDS variant.
func (iss *Issuer) DeltaSecrets(stream pb.SecretDiscoveryService_DeltaSecretsServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		resources := make([]*pb.Resource, 0, len(req.ResourceNamesSubscribe))
		for _, sni := range req.ResourceNamesSubscribe {
			cert, err := iss.IssueFor(sni)
			if err != nil {
				iss.logger.Warn("failed to mint certificate", "sni", sni, "error", err)
				continue
			}
			resources = append(resources, &pb.Resource{
				Name:     sni,
				Version:  "1",
				Resource: cert.toSecret(sni),
			})
		}

		resp := &pb.DeltaDiscoveryResponse{
			SystemVersionInfo: "1",
			Resources:         resources,
			TypeURL:           req.TypeURL,
			Nonce:             req.ResponseNonce,
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}
