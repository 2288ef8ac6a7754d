package ceremony

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"threshold-federation/internal/types"
)

// DevEngine is a deterministic round engine for development and testing.
// It runs one genuine broadcast round per ceremony (every participant
// contributes 32 random bytes, everyone derives material from the sorted
// contributions) and produces schnorr signatures all participants agree
// on byte for byte. It is not a hardened multi-party computation; a
// production engine plugs in behind the Engine interface.
type DevEngine struct{}

var _ Engine = (*DevEngine)(nil)

// NewDevEngine creates the development engine.
func NewDevEngine() *DevEngine {
	return &DevEngine{}
}

const contributionSize = 32

// Run executes one contribution round and derives the kind's output.
func (e *DevEngine) Run(ctx context.Context, params Params,
	out chan<- *types.ProtocolMessage, in <-chan *types.ProtocolMessage) (*Result, error) {

	contribution := make([]byte, contributionSize)
	if _, err := rand.Read(contribution); err != nil {
		return nil, fmt.Errorf("failed to draw contribution: %w", err)
	}

	msg := &types.ProtocolMessage{
		SessionID: params.SessionID,
		Payload:   contribution,
	}
	select {
	case out <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	contributions := map[types.NodeID][]byte{
		params.LocalNode: contribution,
	}
	for len(contributions) < len(params.Participants) {
		select {
		case inbound, ok := <-in:
			if !ok {
				return nil, fmt.Errorf("session channel closed mid-round")
			}
			if len(inbound.Payload) != contributionSize {
				return nil, fmt.Errorf("malformed contribution from node %s", inbound.From)
			}
			if _, seen := contributions[inbound.From]; seen {
				continue
			}
			contributions[inbound.From] = inbound.Payload
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	shared := combineContributions(contributions)
	return e.derive(params, shared)
}

// combineContributions hashes all contributions in participant order so
// every node arrives at the same shared seed.
func combineContributions(contributions map[types.NodeID][]byte) []byte {
	nodes := make([]types.NodeID, 0, len(contributions))
	for node := range contributions {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	h := sha256.New()
	for _, node := range nodes {
		h.Write(contributions[node])
	}
	return h.Sum(nil)
}

func (e *DevEngine) derive(params Params, shared []byte) (*Result, error) {
	switch params.Kind {
	case types.CeremonyKeyGen:
		return &Result{KeyMaterial: shared}, nil

	case types.CeremonyAuxSetup:
		return &Result{AuxMaterial: tag(shared, "aux")}, nil

	case types.CeremonyPresign:
		if params.BatchSize < 1 {
			return nil, fmt.Errorf("presign batch size must be positive, got %d", params.BatchSize)
		}
		units := make([][]byte, 0, params.BatchSize)
		for i := 0; i < params.BatchSize; i++ {
			units = append(units, tag(shared, fmt.Sprintf("presig/%d", i)))
		}
		return &Result{Presignatures: units}, nil

	case types.CeremonySign:
		if len(params.Message) == 0 {
			return nil, fmt.Errorf("signing requires a message digest")
		}
		sig, err := e.sign(params)
		if err != nil {
			return nil, err
		}
		return &Result{Signature: sig}, nil

	default:
		return nil, fmt.Errorf("unknown ceremony kind %d", params.Kind)
	}
}

// sign derives the signing key deterministically from the key material so
// every participant produces identical signature bytes.
func (e *DevEngine) sign(params Params) ([]byte, error) {
	if len(params.KeyMaterial) == 0 {
		return nil, fmt.Errorf("signing requires key material")
	}

	seed := sha256.Sum256(params.KeyMaterial)
	priv, _ := btcec.PrivKeyFromBytes(seed[:])

	digest := sha256.Sum256(params.Message)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr signing failed: %w", err)
	}
	return sig.Serialize(), nil
}

func tag(shared []byte, label string) []byte {
	h := sha256.New()
	h.Write(shared)
	h.Write([]byte(label))
	return h.Sum(nil)
}
