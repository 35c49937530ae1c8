package transaction

import (
	"errors"
	"fmt"
	"sync"

	goethkzg "github.com/crate-crypto/go-eth-kzg"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
)

var (
	// ErrMissingSidecar is returned for pooled blob transactions without blobs.
	ErrMissingSidecar = errors.New("blob transaction is missing its sidecar")
	// ErrBlobCountMismatch is returned when commitments, blobs and hashes disagree.
	ErrBlobCountMismatch = errors.New("blob sidecar item counts do not match")
)

// Pooled is a transaction in its network form. Blob transactions keep their
// sidecar until they are mined.
type Pooled struct {
	*Signed
}

// DecodePooled parses a transaction as submitted through
// eth_sendRawTransaction. Blob transactions must carry a sidecar whose
// commitments match the versioned hashes and whose proofs verify.
func DecodePooled(raw []byte, allowDeposit bool) (*Pooled, error) {
	t, err := Decode(raw, allowDeposit)
	if err != nil {
		return nil, err
	}
	if t.Type() == BlobType {
		if err := VerifySidecar(t.Inner()); err != nil {
			return nil, err
		}
	}
	return &Pooled{Signed: t}, nil
}

// VerifySidecar checks an EIP-4844 sidecar against its transaction.
func VerifySidecar(tx *types.Transaction) error {
	sc := tx.BlobTxSidecar()
	if sc == nil {
		return ErrMissingSidecar
	}
	hashes := tx.BlobHashes()
	if len(sc.Blobs) != len(hashes) || len(sc.Commitments) != len(hashes) {
		return fmt.Errorf("%w: %d hashes, %d blobs, %d commitments",
			ErrBlobCountMismatch, len(hashes), len(sc.Blobs), len(sc.Commitments))
	}
	if err := sc.ValidateBlobCommitmentHashes(hashes); err != nil {
		return err
	}
	if len(sc.Proofs) != len(sc.Blobs) {
		return verifyCellProofs(sc)
	}
	for i := range sc.Blobs {
		if err := kzg4844.VerifyBlobProof(&sc.Blobs[i], sc.Commitments[i], sc.Proofs[i]); err != nil {
			return fmt.Errorf("blob %d: invalid proof: %w", i, err)
		}
	}
	return nil
}

// kzgContext loads the ceremony setup on first use; it takes seconds.
var kzgContext = sync.OnceValues(goethkzg.NewContext4096Secure)

// verifyCellProofs checks an EIP-7594 sidecar, which carries one proof per
// cell of every extended blob.
func verifyCellProofs(sc *types.BlobTxSidecar) error {
	perBlob := int(goethkzg.CellsPerExtBlob)
	if len(sc.Proofs) != len(sc.Blobs)*perBlob {
		return fmt.Errorf("%w: %d proofs for %d blobs", ErrBlobCountMismatch, len(sc.Proofs), len(sc.Blobs))
	}
	ctx, err := kzgContext()
	if err != nil {
		return fmt.Errorf("kzg setup: %w", err)
	}
	n := len(sc.Proofs)
	commitments := make([]goethkzg.KZGCommitment, 0, n)
	indices := make([]uint64, 0, n)
	cells := make([]*goethkzg.Cell, 0, n)
	for i := range sc.Blobs {
		blob := goethkzg.Blob(sc.Blobs[i])
		ext, err := ctx.ComputeCells(&blob, 0)
		if err != nil {
			return fmt.Errorf("blob %d: %w", i, err)
		}
		for j, cell := range ext {
			commitments = append(commitments, goethkzg.KZGCommitment(sc.Commitments[i]))
			indices = append(indices, uint64(j))
			cells = append(cells, cell)
		}
	}
	proofs := make([]goethkzg.KZGProof, n)
	for i, p := range sc.Proofs {
		proofs[i] = goethkzg.KZGProof(p)
	}
	if err := ctx.VerifyCellKZGProofBatch(commitments, indices, cells, proofs); err != nil {
		return fmt.Errorf("invalid cell proofs: %w", err)
	}
	return nil
}

// Sidecar returns the attached sidecar, if any.
func (p *Pooled) Sidecar() *types.BlobTxSidecar {
	if p.Inner() == nil {
		return nil
	}
	return p.Inner().BlobTxSidecar()
}
