// Package staging manages the per-trial folders that hold imported VM disks.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// FolderNameLength is the length of a generated folder name.
const FolderNameLength = 10

// ErrAbsent is returned by Remove when the folder does not exist.
var ErrAbsent = errors.New("staging folder does not exist")

// Area is the directory under which trial folders are created.
type Area interface {
	// Path returns the full path of the named folder.
	Path(name string) string
	// NewFolderName returns a fresh folder name that is not in use.
	NewFolderName() (string, error)
	// Remove deletes the named folder recursively. It returns ErrAbsent
	// when the folder is already gone.
	Remove(name string) error
	// Exists reports whether the named folder exists.
	Exists(name string) (bool, error)
	// Root returns the staging root.
	Root() string
}

// Compile-time interface check.
var _ Area = (*area)(nil)

type area struct {
	log  logrus.FieldLogger
	fs   afero.Fs
	root string
}

// NewArea creates an Area rooted at root on fsys.
func NewArea(log logrus.FieldLogger, fsys afero.Fs, root string) Area {
	return &area{
		log:  log.WithField("component", "staging"),
		fs:   fsys,
		root: root,
	}
}

// NewOsArea creates an Area on the host filesystem.
func NewOsArea(log logrus.FieldLogger, root string) Area {
	return NewArea(log, afero.NewOsFs(), root)
}

func (a *area) Root() string {
	return a.root
}

func (a *area) Path(name string) string {
	return filepath.Join(a.root, name)
}

func (a *area) NewFolderName() (string, error) {
	const attempts = 5

	for range attempts {
		name := FolderName(uuid.New())

		exists, err := a.Exists(name)
		if err != nil {
			return "", err
		}

		if !exists {
			return name, nil
		}
	}

	return "", fmt.Errorf("no free folder name after %d attempts", attempts)
}

func (a *area) Exists(name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}

	ok, err := afero.DirExists(a.fs, a.Path(name))
	if err != nil {
		return false, fmt.Errorf("checking staging folder %s: %w", name, err)
	}

	return ok, nil
}

func (a *area) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	p := a.Path(name)

	if _, err := a.fs.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAbsent, p)
		}

		return fmt.Errorf("checking staging folder %s: %w", p, err)
	}

	if err := a.fs.RemoveAll(p); err != nil {
		return fmt.Errorf("removing staging folder %s: %w", p, err)
	}

	a.log.WithField("path", p).Debug("Removed staging folder")

	return nil
}

// FolderName derives a folder name from id: the first ten lowercase hex
// characters of the id without dashes.
func FolderName(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:FolderNameLength]
}

// checkName rejects names that would resolve outside the staging root.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid staging folder name %q", name)
	}

	return nil
}
