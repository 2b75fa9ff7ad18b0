package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	ErrKeySize     = errors.New("key must be 16, 24 or 32 bytes")
	ErrIVSize      = errors.New("iv must be 16 bytes")
	ErrBadPadding  = errors.New("invalid pkcs7 padding")
	ErrCiphertext  = errors.New("ciphertext is not a multiple of the block size")
	errNonPositive = errors.New("length must be positive")
)

// GenerateString returns a random alphanumeric string of length n.
func GenerateString(n int) (string, error) {
	if n <= 0 {
		return "", errNonPositive
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// NewDeviceKeys returns a fresh AES key of keyBytes and an IV for a Bark
// device.
func NewDeviceKeys(keyBytes int) (key, iv string, err error) {
	switch keyBytes {
	case 16, 24, 32:
	default:
		return "", "", ErrKeySize
	}
	if key, err = GenerateString(keyBytes); err != nil {
		return "", "", err
	}
	if iv, err = GenerateString(aes.BlockSize); err != nil {
		return "", "", err
	}
	return key, iv, nil
}

// EncryptToBase64 encrypts plaintext with AES-CBC and PKCS7 padding.
func EncryptToBase64(plaintext, key, iv []byte) (string, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptFromBase64 reverses EncryptToBase64.
func DecryptFromBase64(encoded string, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrCiphertext
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrIVSize
	}
	return aes.NewCipher(key)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, 0, len(data)+n)
	out = append(out, data...)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, ErrBadPadding
	}
	return data[:len(data)-n], nil
}
