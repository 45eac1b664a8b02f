// Package auth implements the IBM i credential handshake and the token
// session store. Clients encrypt database credentials under a fresh AES
// key, wrap that key with the server's RSA public key, and receive an
// opaque bearer token scoped to their own gateway pool.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// KeyPair is the process RSA identity, addressed by key id so rotation
// does not break outstanding tokens (tokens embed no key material).
type KeyPair struct {
	ID        string
	Private   *rsa.PrivateKey
	PublicPEM string
}

// LoadKeyPair reads PEM-encoded RSA material from disk.
func LoadKeyPair(privateKeyPath, publicKeyPath, keyID string) (*KeyPair, error) {
	privData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, common.WrapError(common.KindConfiguration, err, "reading private key %s", privateKeyPath)
	}
	priv, err := parsePrivateKey(privData)
	if err != nil {
		return nil, err
	}

	pubData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, common.WrapError(common.KindConfiguration, err, "reading public key %s", publicKeyPath)
	}
	if block, _ := pem.Decode(pubData); block == nil {
		return nil, common.NewError(common.KindConfiguration, "public key %s is not PEM", publicKeyPath)
	}

	return &KeyPair{
		ID:        keyID,
		Private:   priv,
		PublicPEM: string(pubData),
	}, nil
}

// parsePrivateKey handles PKCS#1 and PKCS#8 encodings.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, common.NewError(common.KindConfiguration, "private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, common.WrapError(common.KindConfiguration, err, "parsing private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, common.NewError(common.KindConfiguration, "private key is not RSA")
	}
	return rsaKey, nil
}
