package directory

import (
	"fmt"

	"github.com/ethpandaops/trialctl/pkg/config"
)

// New returns the Directory for whichever backend is enabled.
func New(cfg *config.DirectoryConfig) (Directory, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3Directory(&cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocalDirectory(&cfg.Local), nil
	default:
		return nil, fmt.Errorf("no client directory backend enabled")
	}
}
