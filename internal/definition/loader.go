package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fluxline/conductor/model"
)

// File is the YAML document shape accepted by the loader. A single file
// may declare workflows, coordination patterns, and routing entries in
// any combination.
type File struct {
	Workflows []model.WorkflowDefinition  `yaml:"workflows"`
	Patterns  []model.CoordinationPattern `yaml:"patterns"`
	Routing   *model.RoutingTable         `yaml:"routing"`
}

// Bundle is the merged result of loading every definition file.
type Bundle struct {
	Workflows []model.WorkflowDefinition
	Patterns  []model.CoordinationPattern
	Routing   model.RoutingTable
	Checksum  string
}

// Loader scans directories for YAML definition files and parses them.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files,
// parses each, and merges the results into one Bundle. Routing tables
// merge key-wise; a later file wins on key collision.
func (l *Loader) LoadAll(directories []string) (Bundle, error) {
	bundle := Bundle{
		Routing: model.RoutingTable{
			Explicit:       map[string]string{},
			PrefixTable:    map[string]string{},
			FallbackChains: map[string][]string{},
		},
	}
	var checksumParts []string

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			file, checksum, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}

			bundle.Workflows = append(bundle.Workflows, file.Workflows...)
			bundle.Patterns = append(bundle.Patterns, file.Patterns...)
			if file.Routing != nil {
				mergeRouting(&bundle.Routing, file.Routing)
			}
			checksumParts = append(checksumParts, checksum)
			return nil
		})
		if err != nil {
			return Bundle{}, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	combined := strings.Join(checksumParts, ":")
	bundle.Checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return bundle, nil
}

// LoadFile loads and parses a single YAML definition file, returning the
// parsed document and its SHA-256 checksum.
func (l *Loader) LoadFile(path string) (File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, "", fmt.Errorf("reading %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, "", fmt.Errorf("parsing %s: %w", path, err)
	}

	// Backfill state names from map keys so definition authors don't have
	// to repeat them.
	for wi := range file.Workflows {
		for name, st := range file.Workflows[wi].States {
			if st.Name == "" {
				st.Name = name
				file.Workflows[wi].States[name] = st
			}
		}
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	return file, checksum, nil
}

func mergeRouting(dst *model.RoutingTable, src *model.RoutingTable) {
	for k, v := range src.Explicit {
		dst.Explicit[k] = v
	}
	for k, v := range src.PrefixTable {
		dst.PrefixTable[k] = v
	}
	for k, v := range src.FallbackChains {
		dst.FallbackChains[k] = append([]string(nil), v...)
	}
}
