// Package directory resolves client codes to the VM template and database
// backups a trial is built from.
//
// Each client has one descriptor file named after its code, <code>.toml or
// <code>.yaml, stored either in a directory (usually a mounted file share)
// or in an S3 bucket.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// descriptorExtensions are tried in order for every lookup.
var descriptorExtensions = []string{".toml", ".yaml", ".yml"}

// ClientAsset describes what a client's trial environment is cloned from.
type ClientAsset struct {
	VMTemplateRef string `json:"vm_template_ref"`
	RBSBackupRef  string `json:"rbs_backup_ref"`
	RCSBackupRef  string `json:"rcs_backup_ref"`
}

// Directory resolves client codes.
type Directory interface {
	// Resolve returns (nil, nil) when no descriptor exists for clientCode.
	// Errors are reserved for transport and parse faults.
	Resolve(ctx context.Context, clientCode string) (*ClientAsset, error)

	// Ping checks that the backing share or bucket is reachable.
	Ping(ctx context.Context) error
}

// fetchFunc returns the raw descriptor stored under name, or (nil, nil)
// when it does not exist.
type fetchFunc func(ctx context.Context, name string) ([]byte, error)

// resolve tries every descriptor extension through fetch.
func resolve(ctx context.Context, clientCode string, fetch fetchFunc) (*ClientAsset, error) {
	if err := checkClientCode(clientCode); err != nil {
		return nil, err
	}

	for _, ext := range descriptorExtensions {
		name := clientCode + ext

		data, err := fetch(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetching descriptor %s: %w", name, err)
		}

		if data == nil {
			continue
		}

		asset, err := Decode(name, data)
		if err != nil {
			return nil, err
		}

		return asset, nil
	}

	return nil, nil
}

// checkClientCode rejects codes that would escape the descriptor location.
func checkClientCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("client code is empty")
	}

	if strings.ContainsAny(code, `/\`) || strings.Contains(code, "..") {
		return fmt.Errorf("invalid client code %q", code)
	}

	return nil
}

// descriptor accepts both the share's historical PascalCase keys
// (VirtualMachine, RbsDatabase, RcsDatabase) and snake_case aliases.
// Keys are normalized before decoding, see normalizeKeys.
type descriptor struct {
	VirtualMachine string `mapstructure:"virtualmachine"`
	VMTemplate     string `mapstructure:"vmtemplate"`
	RBSDatabase    string `mapstructure:"rbsdatabase"`
	RBSBackup      string `mapstructure:"rbsbackup"`
	RCSDatabase    string `mapstructure:"rcsdatabase"`
	RCSBackup      string `mapstructure:"rcsbackup"`
}

// Decode parses a descriptor; the format is picked from name's extension.
func Decode(name string, data []byte) (*ClientAsset, error) {
	raw := make(map[string]any, 4)

	switch strings.ToLower(path.Ext(name)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor format: %s", name)
	}

	var d descriptor

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &d,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(normalizeKeys(raw)); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	asset := &ClientAsset{
		VMTemplateRef: firstNonEmpty(d.VirtualMachine, d.VMTemplate),
		RBSBackupRef:  firstNonEmpty(d.RBSDatabase, d.RBSBackup),
		RCSBackupRef:  firstNonEmpty(d.RCSDatabase, d.RCSBackup),
	}

	switch {
	case asset.VMTemplateRef == "":
		return nil, fmt.Errorf("%s: virtual machine template is missing", name)
	case asset.RBSBackupRef == "":
		return nil, fmt.Errorf("%s: RBS database backup is missing", name)
	case asset.RCSBackupRef == "":
		return nil, fmt.Errorf("%s: RCS database backup is missing", name)
	}

	return asset, nil
}

func normalizeKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))

	for k, v := range raw {
		key := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
		out[key] = v
	}

	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}
