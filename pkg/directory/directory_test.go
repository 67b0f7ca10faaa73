package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trialctl/pkg/config"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		data    string
		want    *ClientAsset
		wantErr string
	}{
		{
			name: "toml with share keys",
			file: "abcd.toml",
			data: `
VirtualMachine = "Templates\\abcd"
RbsDatabase = "Backups\\abcd_rbs.bak"
RcsDatabase = "Backups\\abcd_rcs.bak"
`,
			want: &ClientAsset{
				VMTemplateRef: `Templates\abcd`,
				RBSBackupRef:  `Backups\abcd_rbs.bak`,
				RCSBackupRef:  `Backups\abcd_rcs.bak`,
			},
		},
		{
			name: "yaml with snake case keys",
			file: "abcd.yaml",
			data: `
vm_template: templates/abcd
rbs_backup: backups/abcd_rbs.bak
rcs_backup: backups/abcd_rcs.bak
`,
			want: &ClientAsset{
				VMTemplateRef: "templates/abcd",
				RBSBackupRef:  "backups/abcd_rbs.bak",
				RCSBackupRef:  "backups/abcd_rcs.bak",
			},
		},
		{
			name: "yml with mixed keys",
			file: "abcd.yml",
			data: `
VirtualMachine: templates/abcd
rbs-database: backups/rbs.bak
RCS_Backup: backups/rcs.bak
`,
			want: &ClientAsset{
				VMTemplateRef: "templates/abcd",
				RBSBackupRef:  "backups/rbs.bak",
				RCSBackupRef:  "backups/rcs.bak",
			},
		},
		{
			name:    "missing vm template",
			file:    "abcd.toml",
			data:    "RbsDatabase = \"a\"\nRcsDatabase = \"b\"\n",
			wantErr: "virtual machine template is missing",
		},
		{
			name:    "missing rcs backup",
			file:    "abcd.yaml",
			data:    "VirtualMachine: a\nRbsDatabase: b\n",
			wantErr: "RCS database backup is missing",
		},
		{
			name:    "malformed toml",
			file:    "abcd.toml",
			data:    "VirtualMachine = ",
			wantErr: "parsing abcd.toml",
		},
		{
			name:    "unsupported extension",
			file:    "abcd.json",
			data:    "{}",
			wantErr: "unsupported descriptor format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.file, []byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLocalDirectory_Resolve(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeDescriptor(t, dir, "abcd.toml",
		"VirtualMachine = \"vm\"\nRbsDatabase = \"rbs\"\nRcsDatabase = \"rcs\"\n")
	writeDescriptor(t, dir, "wxyz.yaml",
		"vm_template: vm2\nrbs_backup: rbs2\nrcs_backup: rcs2\n")
	writeDescriptor(t, dir, "bad.toml", "VirtualMachine = [")

	d := NewLocalDirectory(&config.DirectoryLocalConfig{Enabled: true, Path: dir})

	t.Run("toml descriptor", func(t *testing.T) {
		asset, err := d.Resolve(ctx, "abcd")
		require.NoError(t, err)
		require.NotNil(t, asset)
		assert.Equal(t, "vm", asset.VMTemplateRef)
		assert.Equal(t, "rbs", asset.RBSBackupRef)
		assert.Equal(t, "rcs", asset.RCSBackupRef)
	})

	t.Run("yaml descriptor", func(t *testing.T) {
		asset, err := d.Resolve(ctx, "wxyz")
		require.NoError(t, err)
		require.NotNil(t, asset)
		assert.Equal(t, "vm2", asset.VMTemplateRef)
	})

	t.Run("unknown code is absent", func(t *testing.T) {
		asset, err := d.Resolve(ctx, "none")
		require.NoError(t, err)
		assert.Nil(t, asset)
	})

	t.Run("parse fault is an error", func(t *testing.T) {
		asset, err := d.Resolve(ctx, "bad")
		require.Error(t, err)
		assert.Nil(t, asset)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		_, err := d.Resolve(ctx, "../x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid client code")
	})
}

func TestLocalDirectory_Ping(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, NewLocalDirectory(&config.DirectoryLocalConfig{Path: dir}).Ping(ctx))

	missing := NewLocalDirectory(&config.DirectoryLocalConfig{Path: filepath.Join(dir, "gone")})
	require.Error(t, missing.Ping(ctx))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	err := NewLocalDirectory(&config.DirectoryLocalConfig{Path: file}).Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestNew(t *testing.T) {
	d, err := New(&config.DirectoryConfig{
		Local: config.DirectoryLocalConfig{Enabled: true, Path: "/tmp"},
	})
	require.NoError(t, err)
	assert.IsType(t, &localDirectory{}, d)

	d, err = New(&config.DirectoryConfig{
		S3: config.DirectoryS3Config{Enabled: true, Bucket: "b"},
	})
	require.NoError(t, err)
	assert.IsType(t, &s3Directory{}, d)

	_, err = New(&config.DirectoryConfig{})
	require.Error(t, err)
}
