package identity

import "golang.org/x/oauth2"

// FlowType selects how email links deliver credentials
type FlowType string

const (
	// FlowPKCE links carry an authorization code exchanged with a stored verifier
	FlowPKCE FlowType = "pkce"
	// FlowImplicit links carry tokens in the URL fragment
	FlowImplicit FlowType = "implicit"
)

const challengeMethodS256 = "s256"

// newPKCEPair returns a fresh code verifier and its S256 challenge
func newPKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
