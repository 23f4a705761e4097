package formats

import (
	_ "embed"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"alembic/internal/services"
)

//go:embed sample_manifest.toml
var sampleManifest []byte

// ConverterSpec describes one converter capability declared in the manifest.
// Command is an argv template where the literal tokens {input} and {output}
// are substituted with the working file paths at execution time.
type ConverterSpec struct {
	Name    string   `toml:"name"`
	Source  string   `toml:"source"`
	Target  string   `toml:"target"`
	Cost    int      `toml:"cost"`
	Command []string `toml:"command"`
}

// Manifest is the on-disk declaration of formats and converters.
type Manifest struct {
	Formats []struct {
		ID       string `toml:"id"`
		Category string `toml:"category"`
	} `toml:"formats"`
	Converters []ConverterSpec `toml:"converters"`
}

// LoadManifest reads a capability manifest from path. An empty path loads
// the embedded sample manifest.
func LoadManifest(path string) (*Manifest, error) {
	data := sampleManifest
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "manifest", fmt.Sprintf("read manifest %s", path), err)
		}
		data = raw
	}
	var manifest Manifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "formats", "manifest", "parse manifest", err)
	}
	if len(manifest.Formats) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "formats", "manifest", "manifest declares no formats", nil)
	}
	return &manifest, nil
}

// BuildGraph constructs the conversion graph declared by the manifest.
// Converters with an unset cost default to 10 so a manifest only needs to
// weight the expensive edges.
func BuildGraph(manifest *Manifest) (*Graph, error) {
	formats := make([]Format, 0, len(manifest.Formats))
	for _, entry := range manifest.Formats {
		category, ok := ParseCategory(entry.Category)
		if !ok {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "manifest", fmt.Sprintf("format %q has unknown category %q", entry.ID, entry.Category), nil)
		}
		formats = append(formats, Format{ID: NormalizeID(entry.ID), Category: category})
	}
	edges := make([]Edge, 0, len(manifest.Converters))
	for _, spec := range manifest.Converters {
		cost := spec.Cost
		if cost == 0 {
			cost = 10
		}
		edges = append(edges, Edge{
			Source:     spec.Source,
			Target:     spec.Target,
			Capability: spec.Name,
			Cost:       cost,
		})
	}
	return NewGraph(formats, edges)
}
