package docsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionToken(t *testing.T) {
	sessionId := GenerateSessionId()
	assert.Equal(t, len(sessionId), 22)
	assert.NotEqual(t, sessionId, GenerateSessionId())

	token, err := GenerateSessionToken(sessionId, "secret", time.Hour, map[string]any{"user": "u"})
	assert.Equal(t, err, nil)

	tokenSessionId, err := GetSessionId(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, tokenSessionId, sessionId)

	err = CheckTokenSignature(token, "secret")
	assert.Equal(t, err, nil)
	err = CheckTokenSignature(token, "other")
	assert.NotEqual(t, err, nil)
}

func TestSessionTokenUnsigned(t *testing.T) {
	token, err := GenerateSessionToken("s1", "", 0, nil)
	assert.Equal(t, err, nil)

	tokenSessionId, err := GetSessionId(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, tokenSessionId, "s1")

	// an unsigned token never passes a signature check
	err = CheckTokenSignature(token, "secret")
	assert.NotEqual(t, err, nil)

	_, err = GetSessionId("not a token")
	assert.NotEqual(t, err, nil)
}
