// Package framecodec encrypts and authenticates the messages exchanged between
// the Master and Worker roles and frames them on the wire.
//
// Payloads are encrypted with AES-256-CBC (PKCS#7 padding) and authenticated
// with HMAC-SHA256 over the frame type, the IV and the ciphertext. The MAC key
// is derived from the shared 256-bit key with HKDF so a single secret is
// provisioned per deployment.
package framecodec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
	MACSize = sha256.Size

	// MaxPlaintext bounds every decoded payload.
	MaxPlaintext = 64 * 1024
)

var (
	// ErrAuthFailure means the MAC or the padding did not verify: wrong key,
	// tampered bytes or a frame from a different deployment.
	ErrAuthFailure = errors.New("frame authentication failed")
	// ErrMalformed means the bytes cannot be a frame produced by this codec.
	ErrMalformed = errors.New("malformed frame")
)

// Key is the shared symmetric key material.
type Key [KeySize]byte

// IV is the per-frame CBC initialisation vector.
type IV [IVSize]byte

var macInfo = []byte("motion.relay frame mac v1")

type keys struct {
	enc [KeySize]byte
	mac [KeySize]byte
}

func deriveKeys(key Key) (keys, error) {
	k := keys{enc: key}
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], nil, macInfo), k.mac[:]); err != nil {
		return keys{}, fmt.Errorf("derive mac key: %w", err)
	}
	return k, nil
}

// Encode encrypts plaintext and appends the MAC. It keeps no state between
// calls.
func Encode(plaintext []byte, key Key, iv IV) ([]byte, error) {
	k, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}
	return seal(k, nil, plaintext, iv)
}

// Decode verifies and decrypts data produced by Encode with the same key and IV.
func Decode(ciphertext []byte, key Key, iv IV) ([]byte, error) {
	k, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}
	return open(k, nil, ciphertext, iv)
}

func seal(k keys, ad, plaintext []byte, iv IV) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: plaintext of %d bytes exceeds %d", ErrMalformed, len(plaintext), MaxPlaintext)
	}
	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext)
	out := make([]byte, len(padded), len(padded)+MACSize)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return append(out, mac(k, ad, iv, out)...), nil
}

func open(k keys, ad, data []byte, iv IV) ([]byte, error) {
	if len(data) < aes.BlockSize+MACSize || (len(data)-MACSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d ciphertext bytes", ErrMalformed, len(data))
	}
	ct, tag := data[:len(data)-MACSize], data[len(data)-MACSize:]
	if len(ct) > MaxPlaintext+aes.BlockSize {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes exceeds bound", ErrMalformed, len(ct))
	}
	if !hmac.Equal(tag, mac(k, ad, iv, ct)) {
		return nil, ErrAuthFailure
	}

	block, err := aes.NewCipher(k.enc[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(buf, ct)

	plaintext, ok := unpad(buf)
	if !ok {
		return nil, ErrAuthFailure
	}
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: plaintext of %d bytes exceeds %d", ErrMalformed, len(plaintext), MaxPlaintext)
	}
	return plaintext, nil
}

func mac(k keys, ad []byte, iv IV, ct []byte) []byte {
	h := hmac.New(sha256.New, k.mac[:])
	h.Write(ad)
	h.Write(iv[:])
	h.Write(ct)
	return h.Sum(nil)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
