package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Префикс токена. Всё, что без него, считаем legacy/plaintext
// и возвращаем как есть (см. Decrypt).
const tokenPrefix = "wgs1:"

// Outcome — исход расшифровки.
type Outcome int

const (
	// DecryptedValue — токен аутентифицирован и расшифрован.
	DecryptedValue Outcome = iota
	// UnchangedFallback — вход не наш токен (или повреждён),
	// возвращён без изменений. Совместимость со старыми
	// незашифрованными значениями — не ошибка.
	UnchangedFallback
)

// Cipher — симметричное шифрование полей (AES-256-GCM).
// Ключ детерминированно выводится из секрета оператора, поэтому
// повторный деплой с тем же секретом читает старые данные.
type Cipher struct {
	aead cipher.AEAD
}

// New строит Cipher. explicitKey имеет приоритет; если он пуст,
// ключ выводится из operatorKey (sha256). Оба пустые — ошибка.
func New(explicitKey, operatorKey string) (*Cipher, error) {
	material := explicitKey
	if strings.TrimSpace(material) == "" {
		material = operatorKey
	}
	if strings.TrimSpace(material) == "" {
		return nil, errors.New("encryption key material is empty")
	}
	sum := sha256.Sum256([]byte(material))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt шифрует plaintext в токен wgs1:<base64url(nonce|ct|tag)>.
// Пустая строка не шифруется.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает токен. Любой вход, не прошедший проверку
// формата или аутентификации, возвращается БЕЗ ИЗМЕНЕНИЙ с исходом
// UnchangedFallback — так хранившиеся в открытом виде значения
// продолжают работать.
func (c *Cipher) Decrypt(token string) (string, Outcome) {
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return token, UnchangedFallback
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(data) <= c.aead.NonceSize() {
		return token, UnchangedFallback
	}
	nonce, ct := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return token, UnchangedFallback
	}
	return string(plain), DecryptedValue
}

// IsToken — похоже ли значение на наш шифротекст.
func IsToken(v string) bool { return strings.HasPrefix(v, tokenPrefix) }
