package zk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

// Key file names inside a key directory.
const (
	CCSFile      = "settlement.ccs"
	PKFile       = "settlement.pk"
	VKFile       = "settlement.vk"
	VerifierFile = "SettlementVerifier.sol"
)

// Prover produces and checks settlement proofs.
type Prover interface {
	Prove(ctx context.Context, in Input) (*domain.ProofBundle, error)
	Verify(bundle *domain.ProofBundle) error
}

// Groth16Prover proves SettlementCircuit over BN254.
type Groth16Prover struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey

	// gnark's logger is process-global; proving swaps it out.
	mu sync.Mutex
}

// Compile builds the constraint system.
func Compile() (constraint.ConstraintSystem, error) {
	var c SettlementCircuit
	ccs, err := quiet(func() (constraint.ConstraintSystem, error) {
		return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &c)
	})
	if err != nil {
		return nil, fmt.Errorf("zk: compile: %w", err)
	}
	return ccs, nil
}

// DevSetup compiles the circuit and runs a local, single-party setup. The
// resulting keys are fine for tests and development only.
func DevSetup() (*Groth16Prover, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("zk: setup: %w", err)
	}
	return &Groth16Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadGroth16Prover reads keys written by WriteKeys.
func LoadGroth16Prover(ccsPath, pkPath, vkPath string) (*Groth16Prover, error) {
	ccs := groth16.NewCS(ecc.BN254)
	if err := readFrom(ccsPath, ccs); err != nil {
		return nil, err
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readFrom(pkPath, pk); err != nil {
		return nil, err
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readFrom(vkPath, vk); err != nil {
		return nil, err
	}
	return &Groth16Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

// WriteKeys writes the constraint system, both keys and a Solidity verifier
// into dir.
func (p *Groth16Prover) WriteKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("zk: key dir: %w", err)
	}
	for name, obj := range map[string]io.WriterTo{CCSFile: p.ccs, PKFile: p.pk, VKFile: p.vk} {
		if err := writeTo(filepath.Join(dir, name), obj.WriteTo); err != nil {
			return err
		}
	}
	return writeTo(filepath.Join(dir, VerifierFile), func(w io.Writer) (int64, error) {
		return 0, p.vk.ExportSolidity(w)
	})
}

// Constraints returns the constraint count.
func (p *Groth16Prover) Constraints() int { return p.ccs.GetNbConstraints() }

// Prove builds the witness, proves, and converts the proof into verifier
// order. The returned bundle has not been verified; callers do that.
func (p *Groth16Prover) Prove(ctx context.Context, in Input) (*domain.ProofBundle, error) {
	assignment, err := Assignment(in)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("zk: witness: %w", err)
	}

	type result struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan result, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		proof, err := quiet(func() (groth16.Proof, error) { return groth16.Prove(p.ccs, p.pk, w) })
		done <- result{proof, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return nil, fmt.Errorf("zk: prove: %w", r.err)
	}

	bundle, err := exportProof(r.proof)
	if err != nil {
		return nil, err
	}
	bundle.PublicSignals = [4]string{
		boolString(in.Outcome),
		new(big.Int).SetUint64(in.FeeBps).String(),
		in.TotalPool.String(),
		in.PlatformFee.String(),
	}
	return bundle, nil
}

// Verify rebuilds the proof from its exported coordinates and checks it
// against the verifying key and the bundle's public signals.
func (p *Groth16Prover) Verify(bundle *domain.ProofBundle) error {
	if bundle == nil {
		return errors.New("zk: nil proof bundle")
	}
	proof, err := importProof(bundle)
	if err != nil {
		return err
	}

	sig, err := parseDecimals(bundle.PublicSignals[:])
	if err != nil {
		return fmt.Errorf("zk: public signals: %w", err)
	}
	if sig[0].Cmp(big.NewInt(1)) > 0 || !sig[1].IsUint64() {
		return errors.New("zk: public signals out of range")
	}
	public := PublicAssignment(sig[0].Sign() == 1, sig[1].Uint64(), sig[2], sig[3])
	pw, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("zk: public witness: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := quiet(func() (struct{}, error) { return struct{}{}, groth16.Verify(proof, p.vk, pw) }); err != nil {
		return fmt.Errorf("zk: verify: %w", err)
	}
	return nil
}

// exportProof lays out A, B, C the way the Solidity verifier reads them.
// B's Fp2 coordinates are (imaginary, real).
func exportProof(proof groth16.Proof) (*domain.ProofBundle, error) {
	bp, ok := proof.(*groth16bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("zk: unexpected proof type %T", proof)
	}
	if len(bp.Commitments) > 0 {
		return nil, errors.New("zk: proofs with commitments are not supported")
	}

	dec := func(e interface{ BigInt(*big.Int) *big.Int }) string {
		return e.BigInt(new(big.Int)).String()
	}
	return &domain.ProofBundle{
		PA: [2]string{dec(&bp.Ar.X), dec(&bp.Ar.Y)},
		PB: [2][2]string{
			{dec(&bp.Bs.X.A1), dec(&bp.Bs.X.A0)},
			{dec(&bp.Bs.Y.A1), dec(&bp.Bs.Y.A0)},
		},
		PC: [2]string{dec(&bp.Krs.X), dec(&bp.Krs.Y)},
	}, nil
}

func importProof(b *domain.ProofBundle) (*groth16bn254.Proof, error) {
	coords, err := parseDecimals([]string{
		b.PA[0], b.PA[1],
		b.PB[0][0], b.PB[0][1], b.PB[1][0], b.PB[1][1],
		b.PC[0], b.PC[1],
	})
	if err != nil {
		return nil, fmt.Errorf("zk: proof coordinates: %w", err)
	}

	var proof groth16bn254.Proof
	proof.Ar.X.SetBigInt(coords[0])
	proof.Ar.Y.SetBigInt(coords[1])
	proof.Bs.X.A1.SetBigInt(coords[2])
	proof.Bs.X.A0.SetBigInt(coords[3])
	proof.Bs.Y.A1.SetBigInt(coords[4])
	proof.Bs.Y.A0.SetBigInt(coords[5])
	proof.Krs.X.SetBigInt(coords[6])
	proof.Krs.Y.SetBigInt(coords[7])

	if !proof.Ar.IsOnCurve() || !proof.Bs.IsOnCurve() || !proof.Krs.IsOnCurve() {
		return nil, errors.New("zk: proof point not on curve")
	}
	return &proof, nil
}

func parseDecimals(in []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(in))
	for i, s := range in {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("element %d: %q", i, s)
		}
		out[i] = v
	}
	return out, nil
}

// quiet runs fn with gnark's logger disabled.
func quiet[T any](fn func() (T, error)) (T, error) {
	old := gnarklogger.Logger()
	gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))
	defer gnarklogger.Set(old)
	return fn()
}

func readFrom(path string, r io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("zk: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := r.ReadFrom(f); err != nil {
		return fmt.Errorf("zk: read %s: %w", path, err)
	}
	return nil
}

func writeTo(path string, write func(io.Writer) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("zk: create %s: %w", path, err)
	}
	if _, err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("zk: write %s: %w", path, err)
	}
	return f.Close()
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
