package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edrgo/edr/log"
)

var logger = log.Module("artifact")

// Source is a compiled source file.
type Source struct {
	ID      int
	Path    string
	Content string

	lineStarts []int
}

// Position returns the 1-based line and column of a byte offset.
func (s *Source) Position(offset int) (line, column int) {
	if s.lineStarts == nil {
		s.lineStarts = []int{0}
		for i := 0; i < len(s.Content); i++ {
			if s.Content[i] == '\n' {
				s.lineStarts = append(s.lineStarts, i+1)
			}
		}
	}
	i := sort.Search(len(s.lineStarts), func(i int) bool { return s.lineStarts[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	return i + 1, offset - s.lineStarts[i] + 1
}

// Project is the set of artifacts and sources of one compilation.
type Project struct {
	Root      string
	Artifacts []*Artifact
	// Sources is keyed by compiler source id.
	Sources map[int]*Source
}

// NewProject indexes artifacts. Sources are registered from the artifacts'
// source ids; their content is read from root when the file exists.
func NewProject(root string, artifacts []*Artifact) *Project {
	p := &Project{Root: root, Artifacts: artifacts, Sources: make(map[int]*Source)}
	for _, a := range artifacts {
		if a.SourceID < 0 || a.ID.Source == "" {
			continue
		}
		if _, ok := p.Sources[a.SourceID]; ok {
			continue
		}
		src := &Source{ID: a.SourceID, Path: a.ID.Source}
		if root != "" {
			if data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(a.ID.Source))); err == nil {
				src.Content = string(data)
			}
		}
		p.Sources[a.SourceID] = src
	}
	return p
}

// Artifact returns the artifact with the given id. A bare name matches
// when it is unique.
func (p *Project) Artifact(id ContractID) (*Artifact, error) {
	var found *Artifact
	for _, a := range p.Artifacts {
		switch {
		case a.ID == id:
			return a, nil
		case id.Source == "" && a.ID.Name == id.Name:
			if found != nil {
				return nil, fmt.Errorf("contract name %s is ambiguous: %s and %s", id.Name, found.ID, a.ID)
			}
			found = a
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown contract %s", id)
	}
	return found, nil
}

// LoadDir reads every artifact under dir. Foundry build-info and debug
// files are skipped, as are files that do not parse as artifacts.
func LoadDir(root, dir string) (*Project, error) {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	var artifacts []*Artifact
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".json" || strings.HasSuffix(path, ".dbg.json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hint := ContractID{Name: strings.TrimSuffix(d.Name(), ".json")}
		a, err := Parse(data, hint)
		if err != nil {
			logger.Debug("Skipping file", "path", path, "err", err)
			return nil
		}
		artifacts = append(artifacts, a)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifacts directory %s does not exist", dir)
		}
		return nil, err
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ID.String() < artifacts[j].ID.String() })
	return NewProject(root, artifacts), nil
}
