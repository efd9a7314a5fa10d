package ftps

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

// KeyStore is the key material the provider loads its identity from.
type KeyStore struct {
	// Data holds the raw key store bytes. If empty, Path is read instead.
	Data []byte

	// Path is a file to read the key store from when Data is empty.
	Path string

	// Password unlocks the key store (PKCS#12) or an encrypted private key (PEM).
	Password string

	// Format selects a registered loader. Defaults to "pkcs12".
	Format string

	// Alias selects an identity when the store holds several. Empty means the
	// first identity found.
	Alias string
}

// KeyStoreLoader turns key store material into a TLS certificate.
type KeyStoreLoader func(data []byte, password, alias string) (tls.Certificate, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]KeyStoreLoader{
		"pkcs12": loadPKCS12,
		"p12":    loadPKCS12,
		"pfx":    loadPKCS12,
		"pem":    loadPEM,
	}
)

// RegisterKeyStoreLoader makes a key store format available by name.
// Registering an existing name replaces the loader.
func RegisterKeyStoreLoader(format string, loader KeyStoreLoader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[strings.ToLower(format)] = loader
}

func lookupLoader(format string) (KeyStoreLoader, bool) {
	if format == "" {
		format = "pkcs12"
	}
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[strings.ToLower(format)]
	return l, ok
}

func (ks KeyStore) load() (tls.Certificate, error) {
	loader, ok := lookupLoader(ks.Format)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("%w: unknown key store format %q", ErrConfig, ks.Format)
	}

	data := ks.Data
	if len(data) == 0 {
		if ks.Path == "" {
			return tls.Certificate{}, fmt.Errorf("%w: no key store material", ErrConfig)
		}
		var err error
		data, err = os.ReadFile(ks.Path)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: reading key store: %v", ErrConfig, err)
		}
	}

	cert, err := loader(data, ks.Password, ks.Alias)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cert, nil
}

// loadPKCS12 decodes a PKCS#12 archive. Bags are matched by their localKeyId
// attribute; the alias is compared against the friendlyName attribute.
func loadPKCS12(data []byte, password, alias string) (tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return tls.Certificate{}, errors.New("pkcs12: incorrect password")
		}
		return tls.Certificate{}, fmt.Errorf("pkcs12: %v", err)
	}

	keyID := ""
	if alias != "" {
		found := false
		for _, b := range blocks {
			if b.Headers["friendlyName"] == alias {
				keyID = b.Headers["localKeyId"]
				found = true
				break
			}
		}
		if !found {
			return tls.Certificate{}, fmt.Errorf("pkcs12: alias %q not found", alias)
		}
	} else {
		for _, b := range blocks {
			if strings.HasSuffix(b.Type, "PRIVATE KEY") {
				keyID = b.Headers["localKeyId"]
				break
			}
		}
	}

	var certPEM, keyPEM []byte
	for _, b := range blocks {
		if keyID != "" && b.Headers["localKeyId"] != keyID && b.Type != "CERTIFICATE" {
			continue
		}
		clean := &pem.Block{Type: b.Type, Bytes: b.Bytes}
		switch {
		case b.Type == "CERTIFICATE":
			// The leaf goes first; chain certificates follow.
			if keyID != "" && b.Headers["localKeyId"] == keyID {
				certPEM = append(pem.EncodeToMemory(clean), certPEM...)
			} else {
				certPEM = append(certPEM, pem.EncodeToMemory(clean)...)
			}
		case strings.HasSuffix(b.Type, "PRIVATE KEY") && keyPEM == nil:
			keyPEM = pem.EncodeToMemory(clean)
		}
	}
	if keyPEM == nil {
		return tls.Certificate{}, errors.New("pkcs12: no private key in key store")
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// loadPEM reads a certificate chain and private key from concatenated PEM
// blocks. An "ENCRYPTED PRIVATE KEY" block is decrypted with password.
func loadPEM(data []byte, password, _ string) (tls.Certificate, error) {
	var certPEM, keyPEM []byte
	rest := data
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		switch {
		case b.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
		case b.Type == "ENCRYPTED PRIVATE KEY":
			key, err := pkcs8.ParsePKCS8PrivateKey(b.Bytes, []byte(password))
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("pem: decrypting private key: %v", err)
			}
			der, err := pkcs8.MarshalPrivateKey(key, nil, nil)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("pem: %v", err)
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			keyPEM = pem.EncodeToMemory(b)
		}
	}
	if certPEM == nil || keyPEM == nil {
		return tls.Certificate{}, errors.New("pem: certificate and private key blocks are required")
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}
