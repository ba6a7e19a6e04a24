// Package propagate republishes the attendance log to a second location
// whenever its contents change.
package propagate

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/zeebo/blake3"
)

// DefaultInterval is how often the log is checked for changes.
const DefaultInterval = time.Second

// Snapshotter yields a complete, consistent copy of the source file.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// Fingerprint is the BLAKE3 digest of a snapshot.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Sum fingerprints data.
func Sum(data []byte) Fingerprint { return blake3.Sum256(data) }

// Propagator copies the source to dest after every change.
type Propagator struct {
	src    Snapshotter
	dest   string
	logger *logger.Logger

	mu        sync.Mutex
	last      Fingerprint
	published bool
}

func New(src Snapshotter, dest string, log *logger.Logger) *Propagator {
	return &Propagator{src: src, dest: dest, logger: log}
}

// Dest is the published copy's path.
func (p *Propagator) Dest() string { return p.dest }

// Last returns the fingerprint of the last published snapshot.
func (p *Propagator) Last() (Fingerprint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.published
}

// Beat publishes the current snapshot if it differs from the last one published.
// The destination directory is never created here; a missing directory is an
// error and the next beat tries again.
func (p *Propagator) Beat(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.src.Snapshot()
	if err != nil {
		return false, fmt.Errorf("failed to snapshot attendance log: %w", err)
	}
	fp := Sum(data)

	if !p.published {
		// An identical copy left by a previous run counts as published.
		if existing, err := os.ReadFile(p.dest); err == nil && Sum(existing) == fp {
			p.last, p.published = fp, true
			return false, nil
		}
	}
	if p.published && fp == p.last {
		return false, nil
	}

	if err := utils.WriteFileAtomic(p.dest, data, 0644); err != nil {
		return false, fmt.Errorf("failed to publish %s: %w", p.dest, err)
	}
	p.last, p.published = fp, true

	rows := bytes.Count(data, []byte("\n")) - 1
	p.logger.Info("CSV copied at %s (%d rows)", time.Now().Format("15:04:05"), max(rows, 0))
	return true, nil
}

// Run beats immediately and then every interval until ctx is done, finishing
// with one last beat so the published copy reflects the final log. Beat errors
// are logged and retried on the next tick.
func (p *Propagator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.beatAndReport(ctx)
	for {
		select {
		case <-ctx.Done():
			p.beatAndReport(context.Background())
			return
		case <-ticker.C:
			p.beatAndReport(ctx)
		}
	}
}

func (p *Propagator) beatAndReport(ctx context.Context) {
	if _, err := p.Beat(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warning("Publish failed, retrying next beat: %v", err)
	}
}
