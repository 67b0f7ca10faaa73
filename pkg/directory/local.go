package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/trialctl/pkg/config"
)

// Compile-time interface check.
var _ Directory = (*localDirectory)(nil)

type localDirectory struct {
	root string
}

// NewLocalDirectory creates a Directory backed by a local directory or a
// mounted file share.
func NewLocalDirectory(cfg *config.DirectoryLocalConfig) Directory {
	return &localDirectory{root: cfg.Path}
}

func (d *localDirectory) Resolve(
	ctx context.Context, clientCode string,
) (*ClientAsset, error) {
	return resolve(ctx, clientCode, d.readFile)
}

// Ping checks that the root exists and is a directory.
func (d *localDirectory) Ping(_ context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("client directory %s is not reachable: %w", d.root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("client directory %s is not a directory", d.root)
	}

	return nil
}

// readFile returns (nil, nil) when the file does not exist.
func (d *localDirectory) readFile(_ context.Context, name string) ([]byte, error) {
	p := filepath.Join(d.root, name)

	data, err := os.ReadFile(p) //nolint:gosec // client code is checked before use
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}
