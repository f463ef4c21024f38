package applejws

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// System CA bundle locations probed when no explicit root source is
// configured.
var systemBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// LoadRoots resolves the trusted Apple root set. Precedence: inline PEM,
// then a directory of .pem/.cer files, then the system trust store filtered
// to subjects containing "Apple Root CA" (covers G2/G3).
func LoadRoots(inlinePEM, dir string) ([]*x509.Certificate, error) {
	if inlinePEM != "" {
		roots, err := parsePEMCerts([]byte(inlinePEM))
		if err != nil {
			return nil, fmt.Errorf("parsing APPLE_ROOT_CA_PEM: %w", err)
		}
		return roots, nil
	}
	if dir != "" {
		return loadRootsFromDir(dir)
	}
	return loadSystemAppleRoots()
}

func loadRootsFromDir(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading root CA dir: %w", err)
	}
	var roots []*x509.Certificate
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".pem" && ext != ".cer" && ext != ".crt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading root CA file %s: %w", entry.Name(), err)
		}
		certs, err := parsePEMCerts(data)
		if err != nil {
			// .cer files may be raw DER
			cert, derErr := x509.ParseCertificate(data)
			if derErr != nil {
				return nil, fmt.Errorf("parsing root CA file %s: %w", entry.Name(), err)
			}
			certs = []*x509.Certificate{cert}
		}
		roots = append(roots, certs...)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no certificates found in root CA dir %s", dir)
	}
	return roots, nil
}

func loadSystemAppleRoots() ([]*x509.Certificate, error) {
	for _, path := range systemBundlePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		certs, err := parsePEMCerts(data)
		if err != nil {
			continue
		}
		var roots []*x509.Certificate
		for _, cert := range certs {
			if strings.Contains(cert.Subject.CommonName, "Apple Root CA") {
				roots = append(roots, cert)
			}
		}
		if len(roots) > 0 {
			return roots, nil
		}
	}
	return nil, fmt.Errorf("no Apple root CA certificates found in system trust store")
}

func parsePEMCerts(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificate blocks found")
	}
	return certs, nil
}
