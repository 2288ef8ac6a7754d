// Package signing turns an approved transaction into a combined
// signature. It prefers the fast path (consume a pooled presignature)
// and falls back to the full signing protocol when the pool is empty.
package signing

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/rs/zerolog"

	"threshold-federation/internal/ceremony"
	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/presig"
	"threshold-federation/internal/types"
)

// ErrInvalidSignature indicates the ceremony produced bytes that parse
// as neither a 64-byte schnorr signature nor a DER-encoded ECDSA one.
var ErrInvalidSignature = errors.New("signing: malformed signature")

const schnorrSignatureSize = 64

// Runner is the slice of the ceremony coordinator signing needs.
type Runner interface {
	Initiate(ctx context.Context, kind types.CeremonyKind, opts ceremony.InitiateOptions) (*ceremony.Result, error)
}

// UnitSource is the slice of the presignature pool signing needs.
type UnitSource interface {
	AcquireOne(ctx context.Context) (*types.PresignatureUnit, error)
}

// Coordinator runs signing ceremonies for approved transactions.
type Coordinator struct {
	runner  Runner
	pool    UnitSource
	scheme  types.SignatureScheme
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewCoordinator creates a signing coordinator producing signatures in
// the given scheme.
func NewCoordinator(runner Runner, pool UnitSource, scheme types.SignatureScheme,
	m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		runner:  runner,
		pool:    pool,
		scheme:  scheme,
		metrics: m,
		log:     logger.Component("signing"),
	}
}

// MessageHash is the digest the federation signs: a double SHA-256 of
// the raw payload for ECDSA, a single SHA-256 for schnorr.
func MessageHash(scheme types.SignatureScheme, payload []byte) []byte {
	first := sha256.Sum256(payload)
	if scheme == types.SchemeSchnorr {
		return first[:]
	}
	second := sha256.Sum256(first[:])
	return second[:]
}

// Sign produces the combined signature for the transaction payload. The
// consumed presignature unit, if any, is spent even when the ceremony
// later fails; units are single-use by contract.
func (c *Coordinator) Sign(ctx context.Context, txID types.TxID, payload []byte) ([]byte, error) {
	start := time.Now()
	digest := MessageHash(c.scheme, payload)

	opts := ceremony.InitiateOptions{
		TxID:    txID,
		Message: digest,
	}

	unit, err := c.pool.AcquireOne(ctx)
	switch {
	case err == nil:
		opts.Presignature = unit.Blob
		c.metrics.SigningFastPath.Inc()
		c.log.Debug().
			Str("tx", string(txID)).
			Str("unit", unit.ID).
			Msg("signing via presignature pool")
	case errors.Is(err, presig.ErrPoolEmpty):
		c.metrics.SigningSlowPath.Inc()
		c.log.Info().
			Str("tx", string(txID)).
			Msg("presignature pool empty, falling back to full signing protocol")
	default:
		return nil, fmt.Errorf("failed to acquire presignature: %w", err)
	}

	result, err := c.runner.Initiate(ctx, types.CeremonySign, opts)
	if err != nil {
		return nil, fmt.Errorf("signing ceremony for tx %s failed: %w", txID, err)
	}

	if err := ValidateSignature(c.scheme, result.Signature); err != nil {
		return nil, err
	}

	c.metrics.SigningDuration.Observe(time.Since(start).Seconds())
	return result.Signature, nil
}

// ValidateSignature checks the structural validity of a combined
// signature for the scheme: exactly 64 parseable bytes for schnorr, a
// DER-encoded signature for ECDSA.
func ValidateSignature(scheme types.SignatureScheme, sig []byte) error {
	if len(sig) == 0 {
		return ErrInvalidSignature
	}

	if scheme == types.SchemeSchnorr {
		if len(sig) != schnorrSignatureSize {
			return fmt.Errorf("%w: schnorr signature must be %d bytes, got %d",
				ErrInvalidSignature, schnorrSignatureSize, len(sig))
		}
		if _, err := schnorr.ParseSignature(sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	}

	if _, err := ecdsa.ParseDERSignature(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
