package docsync

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session ids are url safe, unpadded base64 of a 16 byte id
func GenerateSessionId() string {
	return base64.RawURLEncoding.EncodeToString(NewId().Bytes())
}

// GenerateSessionToken signs a token carrying the session id.
// With an empty secret the token is unsigned and the peer must not require
// signatures. A zero expiration means the token does not expire.
func GenerateSessionToken(sessionId string, secretKey string, expiration time.Duration, extra map[string]any) (string, error) {
	claims := gojwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["session_id"] = sessionId
	now := time.Now()
	claims["iat"] = now.Unix()
	if 0 < expiration {
		claims["exp"] = now.Add(expiration).Unix()
	}

	if secretKey == "" {
		token := gojwt.NewWithClaims(gojwt.SigningMethodNone, claims)
		return token.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

// GetSessionId reads the session id without verifying the signature.
func GetSessionId(tokenStr string) (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	sessionId, ok := claims["session_id"].(string)
	if !ok {
		return "", errors.New("token has no session_id")
	}
	return sessionId, nil
}

// CheckTokenSignature verifies the HS256 signature and expiration.
func CheckTokenSignature(tokenStr string, secretKey string) error {
	_, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secretKey), nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	return err
}
