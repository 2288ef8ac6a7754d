// Package keys handles the node's Ed25519 identity key and vote
// signatures exchanged during transaction voting.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"threshold-federation/internal/types"
)

// KeyManager handles cryptographic key operations
type KeyManager struct{}

// NewKeyManager creates a new KeyManager instance
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GeneratePrivateKey generates a new Ed25519 private key and returns it as base64
func (km *KeyManager) GeneratePrivateKey() (string, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(privateKey), nil
}

// ValidatePrivateKey validates that a private key string is valid base64 and correct length
func (km *KeyManager) ValidatePrivateKey(privateKeyBase64 string) error {
	if privateKeyBase64 == "" {
		return nil // Empty is valid - will be generated
	}

	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return fmt.Errorf("private key must be valid base64: %w", err)
	}

	if len(keyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}

	return nil
}

// GetPublicKey derives the public key from a private key
func (km *KeyManager) GetPublicKey(privateKeyBase64 string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return "", fmt.Errorf("invalid private key base64: %w", err)
	}

	if len(keyBytes) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key length")
	}

	privateKey := ed25519.PrivateKey(keyBytes)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return base64.StdEncoding.EncodeToString(publicKey), nil
}

// Signer signs votes with this node's identity key.
type Signer struct {
	nodeID     types.NodeID
	privateKey ed25519.PrivateKey
}

// NewSigner builds a Signer from the base64-encoded identity key.
func NewSigner(nodeID types.NodeID, privateKeyBase64 string) (*Signer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid private key base64: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d",
			ed25519.PrivateKeySize, len(keyBytes))
	}
	return &Signer{
		nodeID:     nodeID,
		privateKey: ed25519.PrivateKey(keyBytes),
	}, nil
}

// NodeID returns the signing node's ordinal.
func (s *Signer) NodeID() types.NodeID {
	return s.nodeID
}

// SignVote produces a signed vote for the given transaction.
func (s *Signer) SignVote(txID types.TxID, approve bool) (*types.Vote, error) {
	vote := &types.Vote{
		TxID:    txID,
		NodeID:  s.nodeID,
		Approve: approve,
	}
	vote.Signature = ed25519.Sign(s.privateKey, votePayload(vote))
	return vote, nil
}

// VerifyVote checks a vote signature against the voter's base64-encoded
// public key.
func VerifyVote(vote *types.Vote, publicKeyBase64 string) error {
	keyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d",
			ed25519.PublicKeySize, len(keyBytes))
	}

	if !ed25519.Verify(ed25519.PublicKey(keyBytes), votePayload(vote), vote.Signature) {
		return fmt.Errorf("vote signature verification failed for tx %s node %s",
			vote.TxID, vote.NodeID)
	}
	return nil
}

// votePayload returns the canonical byte form that vote signatures cover.
// The timestamp is excluded so a vote re-gossiped with a fresher receive
// time still verifies.
func votePayload(vote *types.Vote) []byte {
	return []byte(fmt.Sprintf("%s:%s:%t", vote.TxID, vote.NodeID, vote.Approve))
}
