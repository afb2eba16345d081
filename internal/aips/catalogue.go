// Package aips stores UV and image files in an AIPS style disk catalogue
// and packs visibility records in the AIPS random-parameter layout.
package aips

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mothergoose31/contim/internal/diag"
)

var (
	ErrIO                = errors.New("aips i/o failure")
	ErrNotFound          = errors.New("no such catalogue entry")
	ErrExists            = errors.New("catalogue entry already exists")
	ErrNoTable           = errors.New("no such table")
	ErrInvalidPath       = errors.New("invalid aips path")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

func init() {
	diag.Register(diag.CodeIO, ErrIO, ErrNotFound)
	diag.Register(diag.CodeInvalid, ErrExists, ErrInvalidPath, ErrInvalidDescriptor)
}

const (
	headerFile  = "header.json"
	visFile     = "vis.bin"
	historyFile = "history.txt"
	tablesDir   = "tables"
	spaceFile   = "SPACE"
)

// Catalogue maps Paths onto directories. AIPS disk n is AIPSDirs[n-1],
// FITS disk n is FITSDirs[n-1].
type Catalogue struct {
	AIPSDirs []string
	FITSDirs []string
	log      *slog.Logger
}

// NewCatalogue returns a catalogue over the given disk directories.
func NewCatalogue(aipsDirs, fitsDirs []string, log *slog.Logger) *Catalogue {
	return &Catalogue{AIPSDirs: aipsDirs, FITSDirs: fitsDirs, log: diag.OrDiscard(log).With("comp", "aips")}
}

// Setup creates every disk directory and marks AIPS disks with a SPACE file.
func (c *Catalogue) Setup() error {
	for _, d := range c.AIPSDirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("%w: create AIPS disk %s: %v", ErrIO, d, err)
		}
		space := filepath.Join(d, spaceFile)
		if _, err := os.Stat(space); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(space, nil, 0o644); err != nil {
				return fmt.Errorf("%w: create %s: %v", ErrIO, space, err)
			}
		}
	}
	for _, d := range c.FITSDirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("%w: create FITS disk %s: %v", ErrIO, d, err)
		}
	}
	return nil
}

func (c *Catalogue) diskDir(p Path) (string, error) {
	dirs := c.AIPSDirs
	if p.DType == DiskFITS {
		dirs = c.FITSDirs
	}
	if p.Disk < 1 || p.Disk > len(dirs) {
		return "", fmt.Errorf("%w: %s: disk %d not configured (%d %s disks)",
			ErrInvalidPath, p, p.Disk, len(dirs), p.DType)
	}
	return dirs[p.Disk-1], nil
}

func entryName(p Path) string {
	if p.DType == DiskFITS {
		return p.Name
	}
	return fmt.Sprintf("%s.%s.%s.%d", p.Name, p.Class, p.Type, p.Seq)
}

func (c *Catalogue) entryDir(p Path) (Path, string, error) {
	p, err := p.Normalise()
	if err != nil {
		return p, "", err
	}
	disk, err := c.diskDir(p)
	if err != nil {
		return p, "", err
	}
	return p, filepath.Join(disk, entryName(p)), nil
}

// Exists reports whether p has a catalogue entry.
func (c *Catalogue) Exists(p Path) bool {
	_, dir, err := c.entryDir(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, headerFile))
	return err == nil
}

// NextSeq returns one past the highest sequence number catalogued for
// p's name, disk, class and type, or 1 when there is none.
func (c *Catalogue) NextSeq(p Path) (int, error) {
	p, err := p.Normalise()
	if err != nil {
		return 0, err
	}
	if p.DType == DiskFITS {
		return 1, nil
	}
	disk, err := c.diskDir(p)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(disk)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: list disk %d: %v", ErrIO, p.Disk, err)
	}
	prefix := fmt.Sprintf("%s.%s.%s.", p.Name, p.Class, p.Type)
	hi := 0
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() || !strings.HasPrefix(n, prefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(n, prefix))
		if err != nil {
			continue
		}
		if seq > hi {
			hi = seq
		}
	}
	return hi + 1, nil
}

type header struct {
	Kind  string      `json:"kind"`
	Label string      `json:"label"`
	Desc  *Descriptor `json:"desc"`
	Image *ImageInfo  `json:"image,omitempty"`
}

// entry holds what UV and image files have in common.
type entry struct {
	cat  *Catalogue
	path Path
	dir  string
}

func (e *entry) String() string   { return e.path.String() }
func (e *entry) tableDir() string { return filepath.Join(e.dir, tablesDir) }

// Path returns the catalogue path of the file.
func (e *entry) Path() Path { return e.path }

func (c *Catalogue) create(p Path, kind string) (*entry, error) {
	p, dir, err := c.entryDir(p)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, headerFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, p)
	}
	if err := os.MkdirAll(filepath.Join(dir, tablesDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s %s: %v", ErrIO, kind, p, err)
	}
	c.log.Debug("created catalogue entry", "path", p.String(), "kind", kind)
	return &entry{cat: c, path: p, dir: dir}, nil
}

func (c *Catalogue) open(p Path, kind string) (*entry, *header, error) {
	p, dir, err := c.entryDir(p)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, headerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrIO, p, err)
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, nil, fmt.Errorf("%w: decode header of %s: %v", ErrIO, p, err)
	}
	if h.Kind != kind {
		return nil, nil, fmt.Errorf("%w: %s is a %s file, not %s", ErrInvalidPath, p, h.Kind, kind)
	}
	if h.Label != "" {
		p.Label = h.Label
	}
	return &entry{cat: c, path: p, dir: dir}, &h, nil
}

func (e *entry) writeHeader(h *header) error {
	h.Label = e.path.Label
	data, err := json.MarshalIndent(h, "", " ")
	if err != nil {
		return fmt.Errorf("%w: encode header of %s: %v", ErrIO, e.path, err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, headerFile), data, 0o644); err != nil {
		return fmt.Errorf("%w: update header of %s: %v", ErrIO, e.path, err)
	}
	return nil
}

// AppendHistory appends lines to the file's history.
func (e *entry) AppendHistory(lines ...string) error {
	f, err := os.OpenFile(filepath.Join(e.dir, historyFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: append history of %s: %v", ErrIO, e.path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, l := range lines {
		w.WriteString(strings.ReplaceAll(l, "\n", " "))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: append history of %s: %v", ErrIO, e.path, err)
	}
	return nil
}

// History returns the file's history lines.
func (e *entry) History() ([]string, error) {
	f, err := os.Open(filepath.Join(e.dir, historyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read history of %s: %v", ErrIO, e.path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history of %s: %v", ErrIO, e.path, err)
	}
	return lines, nil
}

func (e *entry) zap() error {
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("%w: zap %s: %v", ErrIO, e.path, err)
	}
	e.cat.log.Info("zapped", "path", e.path.String())
	return nil
}

// Zap deletes the catalogue entry for p. Missing entries are not an error.
func (c *Catalogue) Zap(p Path) error {
	p, dir, err := c.entryDir(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return (&entry{cat: c, path: p, dir: dir}).zap()
}
