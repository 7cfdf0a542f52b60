package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestVerifyPKCEAcceptsMatchingPair(t *testing.T) {
	verifier := "some-sufficiently-random-verifier-value"
	assert.True(t, verifyPKCE(verifier, challengeFor(verifier)))
}

func TestVerifyPKCERejectsMismatch(t *testing.T) {
	assert.False(t, verifyPKCE("verifier-a", challengeFor("verifier-b")))
}

func TestVerifyPKCERejectsEmptyInputs(t *testing.T) {
	assert.False(t, verifyPKCE("", challengeFor("x")))
	assert.False(t, verifyPKCE("x", ""))
}
