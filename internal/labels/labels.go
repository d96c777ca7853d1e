// Package labels maps class indices to names. Index 0 is always background.
package labels

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Background is the name of class 0.
const Background = "__background__"

// File is the on-disk YAML layout of a label set. Classes lists the
// foreground classes in index order starting at 1.
type File struct {
	Name    string   `yaml:"name"`
	Classes []string `yaml:"classes"`
}

// Set is an immutable, index-addressable list of class names.
type Set struct {
	name  string
	names []string
	index map[string]int
}

// New builds a set from foreground class names. Names are NFC-normalised and
// must be unique and non-empty.
func New(name string, classes []string) (*Set, error) {
	s := &Set{
		name:  name,
		names: make([]string, 0, len(classes)+1),
		index: make(map[string]int, len(classes)+1),
	}
	s.names = append(s.names, Background)
	s.index[Background] = 0
	for i, c := range classes {
		c = norm.NFC.String(strings.TrimSpace(c))
		if c == "" {
			return nil, fmt.Errorf("class %d has an empty name", i+1)
		}
		if _, dup := s.index[c]; dup {
			return nil, fmt.Errorf("duplicate class name %q", c)
		}
		s.index[c] = len(s.names)
		s.names = append(s.names, c)
	}
	return s, nil
}

// Generic returns numClasses entries named class_1, class_2, ... for models
// shipped without a label file.
func Generic(numClasses int) *Set {
	classes := make([]string, 0, max(numClasses-1, 0))
	for i := 1; i < numClasses; i++ {
		classes = append(classes, "class_"+strconv.Itoa(i))
	}
	s, _ := New("generic", classes)
	return s
}

// Parse decodes a YAML label file.
func Parse(data []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse label file: %w", err)
	}
	if len(f.Classes) == 0 {
		return nil, errors.New("label file lists no classes")
	}
	return New(f.Name, f.Classes)
}

// Load reads and parses a YAML label file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: label file path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read label file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Marshal encodes the set in the YAML file layout.
func (s *Set) Marshal() ([]byte, error) {
	return yaml.Marshal(File{Name: s.name, Classes: s.names[1:]})
}

// SetName is the label set's name, e.g. "voc".
func (s *Set) SetName() string { return s.name }

// NumClasses counts background too, matching the detector's NumClasses.
func (s *Set) NumClasses() int { return len(s.names) }

// Name returns the raw class name, or "class_<i>" for unknown indices.
func (s *Set) Name(i int) string {
	if i < 0 || i >= len(s.names) {
		return "class_" + strconv.Itoa(i)
	}
	return s.names[i]
}

// DisplayName is the title-cased name with underscores turned into spaces.
func (s *Set) DisplayName(i int) string {
	caser := cases.Title(language.English)
	return caser.String(strings.ReplaceAll(s.Name(i), "_", " "))
}

// Index looks a class up by name.
func (s *Set) Index(name string) (int, bool) {
	i, ok := s.index[norm.NFC.String(name)]
	return i, ok
}
