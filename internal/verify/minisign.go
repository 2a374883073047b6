package verify

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedisct1/go-minisign"
)

// ParseMinisignKey accepts either a path to a minisign public key file or the
// bare base64 key line.
func ParseMinisignKey(key string) (minisign.PublicKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return minisign.PublicKey{}, errors.New("minisign public key is empty")
	}
	if _, err := os.Stat(key); err == nil {
		pk, err := minisign.NewPublicKeyFromFile(key)
		if err != nil {
			return minisign.PublicKey{}, fmt.Errorf("read minisign pubkey: %w", err)
		}
		return pk, nil
	}
	pk, err := minisign.NewPublicKey(key)
	if err != nil {
		return minisign.PublicKey{}, fmt.Errorf("parse minisign pubkey: %w", err)
	}
	return pk, nil
}

// VerifyMinisign checks a detached minisign signature over content.
func VerifyMinisign(content, signature []byte, key string) error {
	pubKey, err := ParseMinisignKey(key)
	if err != nil {
		return err
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("read minisign signature: %w", err)
	}

	valid, err := pubKey.Verify(content, sig)
	if err != nil {
		return fmt.Errorf("minisign: verification error: %w", err)
	}
	if !valid {
		return fmt.Errorf("minisign: signature verification failed")
	}
	return nil
}
