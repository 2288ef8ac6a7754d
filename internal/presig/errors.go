package presig

import (
	"errors"
	"fmt"
)

// ErrPoolEmpty indicates no usable presignature unit is available; the
// caller falls back to the full signing protocol.
var ErrPoolEmpty = errors.New("presig: pool is empty")

// PartyCountMismatchError indicates the stored key and auxiliary material
// were produced for different federation sizes. Presigning cannot run
// until a matching auxiliary setup completes.
type PartyCountMismatchError struct {
	KeyCount int
	AuxCount int
}

func (e *PartyCountMismatchError) Error() string {
	return fmt.Sprintf("presig: key material is for %d parties but auxiliary material is for %d",
		e.KeyCount, e.AuxCount)
}
