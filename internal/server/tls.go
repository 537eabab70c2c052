package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	devCertFile = "dm_dev_cert.pem"
	devKeyFile  = "dm_dev_key.pem"

	// 浏览器对自签 WebTransport 证书的有效期上限是 14 天
	devCertTTL = 10 * 24 * time.Hour
)

// generateSelfSignedTLSConfig 开发环境证书：磁盘上有就复用，没有就现生成一对
func generateSelfSignedTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(devCertFile, devKeyFile)
	if err != nil {
		cert, err = newDevCert()
		if err != nil {
			return nil, fmt.Errorf("generate dev certificate: %w", err)
		}
		slog.Info("Generated dev certificate",
			"certFile", devCertFile, "keyFile", devKeyFile, "ttl", devCertTTL)
	} else {
		slog.Info("Reusing dev certificate", "certFile", devCertFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", "webtransport"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// newDevCert 生成 localhost 自签证书并写盘，后续启动直接复用
func newDevCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"sudooom"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(devCertTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(devCertFile, certPEM, 0644); err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(devKeyFile, keyPEM, 0600); err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
