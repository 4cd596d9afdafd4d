package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Simulator is a demo-mode sink used when no chain credentials are
// configured. It accepts every submission and returns a deterministic
// pseudo transaction hash.
type Simulator struct {
	logger *slog.Logger
	seq    atomic.Uint64
}

// NewSimulator creates a simulated decision sink.
func NewSimulator(logger *slog.Logger) *Simulator {
	return &Simulator{logger: logger}
}

func (s *Simulator) Submit(ctx context.Context, operation string, parameters map[string]any, score float64, riskLevel string) (string, error) {
	n := s.seq.Add(1)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%.4f|%s|%d|%d", operation, score, riskLevel, n, time.Now().UnixNano()))
	ref := "0x" + hex.EncodeToString(sum[:])

	s.logger.Info("simulated decision submission",
		"operation", operation,
		"score", score,
		"risk_level", riskLevel,
		"reference", ref,
	)
	return ref, nil
}
