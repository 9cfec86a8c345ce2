// Package detections - reading and writing detection sets as JSON or YAML documents.
package detections

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-ensemble/geometry"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a detection document.
type Format string

const (
	// FormatJSON is a JSON document.
	FormatJSON Format = "json"
	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"
)

// ErrUnsupportedFormat is returned for an unknown document format or file extension.
var ErrUnsupportedFormat = errors.New("unsupported detection document format")

// Document is a set of detector outputs for one input.
type Document struct {
	Detectors []Detector `json:"detectors" yaml:"detectors"`
}

// Detector is the output of a single detector.
//
// Boxes are center form. Corners holds detections in corner form and is
// converted and appended after Boxes by Sets.
type Detector struct {
	Name    string         `json:"name"              yaml:"name"`
	Boxes   []geometry.Box `json:"boxes"             yaml:"boxes"`
	Corners []CornerRecord `json:"corners,omitempty" yaml:"corners,omitempty"`
}

// CornerRecord is a detection given by two opposite corners.
type CornerRecord struct {
	X1         float64 `json:"x1"         yaml:"x1"`
	Y1         float64 `json:"y1"         yaml:"y1"`
	X2         float64 `json:"x2"         yaml:"x2"`
	Y2         float64 `json:"y2"         yaml:"y2"`
	Class      int     `json:"class"      yaml:"class"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Box converts the record to center form.
func (r CornerRecord) Box() geometry.Box {
	return geometry.FromCorners(r.X1, r.Y1, r.X2, r.Y2, r.Class, r.Confidence)
}

// Sets returns one detection set per detector, in document order.
func (d *Document) Sets() []geometry.DetectionSet {
	sets := make([]geometry.DetectionSet, len(d.Detectors))
	for i, det := range d.Detectors {
		set := make(geometry.DetectionSet, 0, len(det.Boxes)+len(det.Corners))
		set = append(set, det.Boxes...)
		for _, c := range det.Corners {
			set = append(set, c.Box())
		}
		sets[i] = set
	}
	return sets
}

// FromSets builds a document from detection sets. Detectors without a name in
// names are named by position.
func FromSets(names []string, sets []geometry.DetectionSet) *Document {
	doc := &Document{Detectors: make([]Detector, len(sets))}
	for i, set := range sets {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if name == "" {
			name = "detector-" + strconv.Itoa(i)
		}
		doc.Detectors[i] = Detector{Name: name, Boxes: append([]geometry.Box{}, set...)}
	}
	return doc
}

// FormatFromPath infers the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "extension %q", filepath.Ext(path))
	}
}

// Decode reads a document in the given format.
func Decode(r io.Reader, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to decode json document")
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "failed to decode yaml document")
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "format %q", format)
	}
	return &doc, nil
}

// Encode writes a document in the given format.
func Encode(w io.Writer, format Format, doc *Document) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(doc), "failed to encode json document")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return errors.Wrap(err, "failed to encode yaml document")
		}
		return errors.Wrap(enc.Close(), "failed to flush yaml document")
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "format %q", format)
	}
}

// Load reads a document from a .json, .yaml or .yml file.
//
// Arguments:
//   - path: Path of the document file.
//
// Returns:
//   - *Document: The decoded document.
//   - error: Error if the extension is unknown, or reading or decoding fails.
func Load(path string) (*Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	doc, err := Decode(f, format)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return doc, nil
}

// LoadDirectory reads every document file in a directory and concatenates
// their detectors.
//
// Files are read in name order so the detector order, and with it the
// ensemble output, is the same on every run. Other files and sub directories
// are ignored.
//
// Arguments:
//   - dir: Directory path containing document files.
//
// Returns:
//   - *Document: All detectors of all files.
//   - error: Error if listing or loading fails.
func LoadDirectory(dir string) (*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := FormatFromPath(entry.Name()); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	return LoadFiles(paths)
}

// LoadFiles reads the given files in order and concatenates their detectors.
// A detector without a name is named after its file.
func LoadFiles(paths []string) (*Document, error) {
	merged := &Document{}
	for _, path := range paths {
		doc, err := Load(path)
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for i, det := range doc.Detectors {
			if det.Name == "" {
				det.Name = base
				if len(doc.Detectors) > 1 {
					det.Name = base + "-" + strconv.Itoa(i)
				}
			}
			merged.Detectors = append(merged.Detectors, det)
		}
	}
	return merged, nil
}
