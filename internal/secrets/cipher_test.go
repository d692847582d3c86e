package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("", "operator-api-key")
	require.NoError(t, err)

	for _, plain := range []string{
		"yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=",
		"short",
		"с юникодом и пробелами  ",
	} {
		token, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, IsToken(token))
		assert.NotEqual(t, plain, token)

		got, outcome := c.Decrypt(token)
		assert.Equal(t, DecryptedValue, outcome)
		assert.Equal(t, plain, got)
	}
}

func TestDecryptFallbackUnchanged(t *testing.T) {
	c, err := New("", "operator-api-key")
	require.NoError(t, err)

	// всё, что не произведено Encrypt, возвращается как есть
	for _, in := range []string{
		"plain-old-value",
		"gAAAAABlegacyfernets0meth1ng",
		"wgs1:not-valid-base64!!!",
		"wgs1:",
		"",
	} {
		got, outcome := c.Decrypt(in)
		assert.Equal(t, UnchangedFallback, outcome, "input %q", in)
		assert.Equal(t, in, got, "input %q", in)
	}
}

func TestDecryptCorruptedToken(t *testing.T) {
	c, err := New("", "operator-api-key")
	require.NoError(t, err)

	token, err := c.Encrypt("secret-value")
	require.NoError(t, err)

	// портим символ в середине шифротекста; последний не трогаем,
	// его хвостовые биты base64 при декодировании отбрасываются
	i := len(token) / 2
	flip := byte('A')
	if token[i] == 'A' {
		flip = 'B'
	}
	corrupted := token[:i] + string(flip) + token[i+1:]
	got, outcome := c.Decrypt(corrupted)
	assert.Equal(t, UnchangedFallback, outcome)
	assert.Equal(t, corrupted, got)
}

func TestSameOperatorKeyDecryptsAfterRedeploy(t *testing.T) {
	c1, err := New("", "operator-api-key")
	require.NoError(t, err)
	c2, err := New("", "operator-api-key")
	require.NoError(t, err)

	token, err := c1.Encrypt("survives redeploy")
	require.NoError(t, err)

	got, outcome := c2.Decrypt(token)
	assert.Equal(t, DecryptedValue, outcome)
	assert.Equal(t, "survives redeploy", got)
}

func TestDifferentKeyFallsBack(t *testing.T) {
	c1, err := New("", "key-one")
	require.NoError(t, err)
	c2, err := New("", "key-two")
	require.NoError(t, err)

	token, err := c1.Encrypt("secret")
	require.NoError(t, err)

	got, outcome := c2.Decrypt(token)
	assert.Equal(t, UnchangedFallback, outcome)
	assert.Equal(t, token, got)
}

func TestExplicitKeyPrecedence(t *testing.T) {
	exp, err := New("explicit-key", "operator-api-key")
	require.NoError(t, err)
	expOnly, err := New("explicit-key", "")
	require.NoError(t, err)

	token, err := exp.Encrypt("v")
	require.NoError(t, err)
	got, outcome := expOnly.Decrypt(token)
	assert.Equal(t, DecryptedValue, outcome)
	assert.Equal(t, "v", got)

	_, err = New("", "")
	require.Error(t, err)
}

func TestEncryptEmptyAndNonceUniqueness(t *testing.T) {
	c, err := New("", "operator-api-key")
	require.NoError(t, err)

	token, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", token)

	t1, err := c.Encrypt("same input")
	require.NoError(t, err)
	t2, err := c.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2) // случайный nonce

	for _, tok := range []string{t1, t2} {
		got, outcome := c.Decrypt(tok)
		assert.Equal(t, DecryptedValue, outcome)
		assert.Equal(t, "same input", got)
	}
}
