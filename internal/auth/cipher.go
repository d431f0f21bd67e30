package auth

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidDeviceToken device token does not decrypt with any configured key
var ErrInvalidDeviceToken = errors.New("invalid device token")

// DeviceCipher obfuscates device ids exposed to browsers (fernet tokens)
type DeviceCipher struct {
	keys []*fernet.Key
}

// NewDeviceCipher decodes one or more base64 fernet keys; the first encrypts
func NewDeviceCipher(keys ...string) (*DeviceCipher, error) {
	if len(keys) == 0 || keys[0] == "" {
		return nil, errors.New("device cipher key is required")
	}
	decoded, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return nil, fmt.Errorf("invalid device cipher key: %w", err)
	}
	return &DeviceCipher{keys: decoded}, nil
}

// Encrypt returns the token for deviceID
func (c *DeviceCipher) Encrypt(deviceID string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(deviceID), c.keys[0])
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Decrypt returns the device id inside token; tokens never expire
func (c *DeviceCipher) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, c.keys)
	if msg == nil {
		return "", ErrInvalidDeviceToken
	}
	return string(msg), nil
}
