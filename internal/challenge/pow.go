package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
	"golang.org/x/crypto/blake2b"
)

// ErrNoSolution is returned by SolveProofOfWork when the iteration budget
// runs out.
var ErrNoSolution = errors.New("no proof-of-work solution within budget")

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// powHash returns the hex digest of prefix‖nonce.
func powHash(algorithm, prefix, nonce string) (string, error) {
	data := []byte(prefix + nonce)
	switch algorithm {
	case domain.AlgorithmSHA256, "":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case domain.AlgorithmBlake2b:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", errors.New("unsupported algorithm " + strconv.Quote(algorithm))
	}
}

// requiredHexZeros converts a bit difficulty to leading hex zeros.
func requiredHexZeros(bits int) int {
	return bits / 4
}

func leadingHexZeros(h string) int {
	return len(h) - len(strings.TrimLeft(h, "0"))
}

// VerifyProofOfWork checks a solution: the hash must equal H(prefix‖nonce)
// and carry the required leading zeros. It returns "" or a failure reason.
func VerifyProofOfWork(pow *domain.ProofOfWorkChallenge, sol *domain.ProofOfWorkSolution) string {
	if pow == nil || sol == nil || sol.Nonce == "" || sol.Hash == "" {
		return domain.ReasonInvalidSolution
	}
	want, err := powHash(pow.Algorithm, pow.Prefix, sol.Nonce)
	if err != nil {
		return domain.ReasonInvalidSolution
	}
	if !strings.EqualFold(want, sol.Hash) {
		return domain.ReasonInvalidHash
	}
	if leadingHexZeros(want) < requiredHexZeros(pow.Difficulty) {
		return domain.ReasonInsufficientWork
	}
	return ""
}

// SolveProofOfWork brute-forces a nonce. It is the reference client solver
// used by tests and the load generator.
func SolveProofOfWork(ctx context.Context, pow *domain.ProofOfWorkChallenge, maxIterations int64) (*domain.ProofOfWorkSolution, error) {
	start := time.Now()
	zeros := requiredHexZeros(pow.Difficulty)
	for i := int64(0); i < maxIterations; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		nonce := strconv.FormatInt(i, 16)
		h, err := powHash(pow.Algorithm, pow.Prefix, nonce)
		if err != nil {
			return nil, err
		}
		if leadingHexZeros(h) >= zeros {
			return &domain.ProofOfWorkSolution{
				Nonce:      nonce,
				Hash:       h,
				Iterations: i + 1,
				TimeTaken:  time.Since(start).Milliseconds(),
			}, nil
		}
	}
	return nil, ErrNoSolution
}
