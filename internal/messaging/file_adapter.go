package messaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/fleet"
)

// FileAdapter delivers rendered payloads by appending them to one log file
// per target coordinate. It is the stock egress for headless runs: agents
// tail their own target file.
type FileAdapter struct {
	mu   sync.Mutex
	root string
}

// NewFileAdapter creates the adapter, ensuring the output directory exists.
func NewFileAdapter(root string) (*FileAdapter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating outbox dir: %w", err)
	}
	return &FileAdapter{root: root}, nil
}

// Deliver appends one timestamped line to the target's file. Write errors
// are transient; a full disk clears on retry often enough to be worth it.
func (a *FileAdapter) Deliver(ctx context.Context, addr fleet.Address, payload string) Outcome {
	if err := ctx.Err(); err != nil {
		return Transient("delivery cancelled")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.root, targetFile(addr.Input))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G304: path rooted at outbox dir
	if err != nil {
		return Transient(fmt.Sprintf("opening target file: %v", err))
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), payload)
	if _, err := f.WriteString(line); err != nil {
		return Transient(fmt.Sprintf("writing target file: %v", err))
	}
	return OK()
}

// SupportsPriorityMarker is true: the marker survives as plain text.
func (a *FileAdapter) SupportsPriorityMarker() bool { return true }

func targetFile(t fleet.Target) string {
	return fmt.Sprintf("x%02d-y%02d.log", t.X, t.Y)
}
