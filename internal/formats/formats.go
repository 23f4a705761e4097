package formats

import (
	"fmt"
	"strings"
)

// Category groups formats by broad media kind.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryData     Category = "data"
	CategoryArchive  Category = "archive"
)

var knownCategories = map[Category]struct{}{
	CategoryDocument: {},
	CategoryImage:    {},
	CategoryAudio:    {},
	CategoryVideo:    {},
	CategoryData:     {},
	CategoryArchive:  {},
}

// Format is a named file type participating in conversions. Formats are
// registered at startup and immutable afterwards.
type Format struct {
	ID       string
	Category Category
}

// ParseCategory converts a string into a known Category.
func ParseCategory(value string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(value)))
	_, ok := knownCategories[normalized]
	return normalized, ok
}

// NormalizeID canonicalizes a format identifier.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Edge is a registered direct transformation from one format to another,
// carried out by the named converter capability at the given cost.
type Edge struct {
	Source     string
	Target     string
	Capability string
	Cost       int
}

func (e Edge) validate() error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge %s->%s: source and target are required", e.Source, e.Target)
	}
	if e.Source == e.Target {
		return fmt.Errorf("edge %s->%s: self-loops are not allowed", e.Source, e.Target)
	}
	if e.Capability == "" {
		return fmt.Errorf("edge %s->%s: capability is required", e.Source, e.Target)
	}
	if e.Cost <= 0 {
		return fmt.Errorf("edge %s->%s: cost must be positive", e.Source, e.Target)
	}
	return nil
}

// Path is an ordered chain of edges connecting a source format to a target.
type Path []Edge

// Validate checks that the path chains correctly end to end.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("path must not be empty")
	}
	for i := 0; i < len(p)-1; i++ {
		if p[i].Target != p[i+1].Source {
			return fmt.Errorf("path break at hop %d: %s->%s followed by %s->%s",
				i, p[i].Source, p[i].Target, p[i+1].Source, p[i+1].Target)
		}
	}
	return nil
}

// Source returns the path's starting format.
func (p Path) Source() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].Source
}

// Target returns the path's final format.
func (p Path) Target() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1].Target
}

// Cost returns the summed edge cost.
func (p Path) Cost() int {
	total := 0
	for _, edge := range p {
		total += edge.Cost
	}
	return total
}

// Hops returns the number of edges.
func (p Path) Hops() int { return len(p) }

// String renders the path as "csv -> xlsx -> pdf".
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(p[0].Source)
	for _, edge := range p {
		b.WriteString(" -> ")
		b.WriteString(edge.Target)
	}
	return b.String()
}
