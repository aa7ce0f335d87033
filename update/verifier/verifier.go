// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

// Package verifier checks RSA signatures over SHA-256 payload hashes.
//
// Signatures are checked by raw RSA decryption followed by a byte
// comparison against the PKCS#1 v1.5 padded hash, matching how the
// signatures are produced by the payload generator.
package verifier

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/flatcar/update-engine/update/digest"
	"github.com/flatcar/update-engine/update/metadata"
)

// SignatureVersion is the only signature entry version ever produced.
const SignatureVersion = 1

var (
	plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "update/verifier")

	ErrBadHashSize       = errors.New("hash is not a SHA-256 digest")
	ErrBadKeySize        = errors.New("unsupported RSA key size")
	ErrNoSignatures      = errors.New("signature blob contains no signatures")
	ErrSignatureMismatch = errors.New("no signature matches the hash")
	ErrNotPublicKey      = errors.New("no RSA public key found")

	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// digestInfo encodes the ASN.1 DigestInfo structure for a SHA-256 hash.
func digestInfo(hash []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSHA256)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(hash)
	})
	return b.BytesOrPanic()
}

// PadHash returns hash wrapped in EMSA-PKCS1-v1_5 encoding for a key of
// keySize bytes: 00 01 FF..FF 00 DigestInfo.
func PadHash(hash []byte, keySize int) ([]byte, error) {
	if len(hash) != digest.Size {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadHashSize, len(hash))
	}
	if keySize != 256 && keySize != 512 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKeySize, keySize)
	}
	info := digestInfo(hash)
	padded := make([]byte, keySize)
	padded[1] = 0x01
	fill := keySize - len(info) - 1
	for i := 2; i < fill; i++ {
		padded[i] = 0xff
	}
	copy(padded[fill+1:], info)
	return padded, nil
}

// DecryptSignature applies the public key to a single raw signature and
// returns the padded hash it carries.
func DecryptSignature(sig []byte, pub *rsa.PublicKey) ([]byte, error) {
	if len(sig) != pub.Size() {
		return nil, fmt.Errorf("signature is %d bytes, key is %d", len(sig), pub.Size())
	}
	c := new(big.Int).SetBytes(sig)
	if c.Cmp(pub.N) >= 0 {
		return nil, errors.New("signature out of range for key")
	}
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	return m.FillBytes(make([]byte, pub.Size())), nil
}

// VerifySignature checks every entry of a serialized signature blob and
// succeeds if any of them signs hash.
func VerifySignature(blob []byte, pub *rsa.PublicKey, hash []byte) error {
	expected, err := PadHash(hash, pub.Size())
	if err != nil {
		return err
	}

	var sigs metadata.Signatures
	if err := metadata.Unmarshal(blob, &sigs); err != nil {
		return fmt.Errorf("parsing signature blob: %w", err)
	}
	if len(sigs.Signatures) == 0 {
		return ErrNoSignatures
	}

	for i, sig := range sigs.Signatures {
		decrypted, err := DecryptSignature(sig.GetData(), pub)
		if err != nil {
			plog.Debugf("signature %d: %v", i, err)
			continue
		}
		if bytes.Equal(decrypted, expected) {
			plog.Debugf("signature %d of %d matches", i+1, len(sigs.Signatures))
			return nil
		}
		plog.Debugf("signature %d does not match", i)
	}
	return ErrSignatureMismatch
}

// ParsePublicKey decodes a PEM encoded RSA public key in either PKIX or
// PKCS#1 form.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNotPublicKey
		}
		switch block.Type {
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			pub, ok := key.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("%w: got %T", ErrNotPublicKey, key)
			}
			return pub, nil
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		}
	}
}

// LoadPublicKey reads a PEM public key from disk.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM encoded RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key: %T", key)
	}
	return priv, nil
}

// Sign produces a raw signature of a SHA-256 hash.
func Sign(hash []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if len(hash) != digest.Size {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadHashSize, len(hash))
	}
	return rsa.SignPKCS1v15(nil, priv, crypto.SHA256, hash)
}

// SignatureBlob signs hash with every key and serializes the result. Keys
// are listed in order so the newest key can be appended during rotation.
func SignatureBlob(hash []byte, keys ...*rsa.PrivateKey) ([]byte, error) {
	var sigs metadata.Signatures
	for _, key := range keys {
		sig, err := Sign(hash, key)
		if err != nil {
			return nil, err
		}
		sigs.Signatures = append(sigs.Signatures, &metadata.Signatures_Signature{
			Version: proto.Uint32(SignatureVersion),
			Data:    sig,
		})
	}
	return metadata.Marshal(&sigs)
}

// SignatureBlobSize is the length of a blob SignatureBlob produces for keys.
func SignatureBlobSize(keys ...*rsa.PrivateKey) (int, error) {
	blob, err := SignatureBlob(make([]byte, digest.Size), keys...)
	if err != nil {
		return 0, err
	}
	return len(blob), nil
}
