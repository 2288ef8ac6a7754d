package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"threshold-federation/internal/types"
)

// newHost builds the libp2p host for the node: TCP transport, default
// security and muxers, and a connection manager sized for a small fixed
// federation.
func newHost(config *types.NetworkConfig, privateKey crypto.PrivKey) (host.Host, error) {
	var opts []libp2p.Option

	if privateKey != nil {
		opts = append(opts, libp2p.Identity(privateKey))
	}

	opts = append(opts, libp2p.Transport(tcp.NewTCPTransport))
	opts = append(opts, libp2p.DefaultSecurity)
	opts = append(opts, libp2p.DefaultMuxers)

	connManager, err := connmgr.NewConnManager(
		16, 64,
		connmgr.WithGracePeriod(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	opts = append(opts, libp2p.ConnectionManager(connManager))

	var listenAddrs []multiaddr.Multiaddr
	for _, addrStr := range config.Addresses {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", addrStr, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(listenAddrs...))
	}

	return libp2p.New(opts...)
}

// ConvertPrivateKeyFromBase64 converts a base64 Ed25519 private key (from
// the keys package) to a libp2p crypto.PrivKey.
func ConvertPrivateKeyFromBase64(privateKeyBase64 string) (crypto.PrivKey, error) {
	if privateKeyBase64 == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid private key base64: %w", err)
	}

	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}

	libp2pKey, err := crypto.UnmarshalEd25519PrivateKey(ed25519.PrivateKey(keyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal Ed25519 private key: %w", err)
	}

	return libp2pKey, nil
}

// PeerIDFromPublicKeyBase64 derives a libp2p peer ID from a base64
// Ed25519 public key, as listed in the federation membership.
func PeerIDFromPublicKeyBase64(publicKeyBase64 string) (peer.ID, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return "", fmt.Errorf("invalid public key base64: %w", err)
	}

	if len(keyBytes) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length: expected %d, got %d", ed25519.PublicKeySize, len(keyBytes))
	}

	pubKey, err := crypto.UnmarshalEd25519PublicKey(keyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal Ed25519 public key: %w", err)
	}

	return peer.IDFromPublicKey(pubKey)
}
