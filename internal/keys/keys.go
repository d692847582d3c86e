package keys

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DerivePublic возвращает публичный ключ (base64) для приватного.
func DerivePublic(privateKey string) (string, error) {
	priv, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return priv.PublicKey().String(), nil
}

// Valid — корректный ли это 32-байтовый ключ в base64.
func Valid(key string) bool {
	_, err := wgtypes.ParseKey(key)
	return err == nil
}

// Matches — соответствует ли публичный ключ приватному.
func Matches(privateKey, publicKey string) bool {
	pub, err := DerivePublic(privateKey)
	return err == nil && pub == publicKey
}

// GeneratePair — новая пара ключей интерфейса.
func GeneratePair() (privateKey, publicKey string, err error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", err
	}
	return priv.String(), priv.PublicKey().String(), nil
}

// GeneratePreshared — новый preshared-ключ.
func GeneratePreshared() (string, error) {
	k, err := wgtypes.GenerateKey()
	if err != nil {
		return "", err
	}
	return k.String(), nil
}
