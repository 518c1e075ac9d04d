package pipeline

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quote-extract/internal/model"
)

// Rules lists the name markers for each category. Markers are folded the
// same way sheet names are, so "Ingeniería" matches "ingenieria".
type Rules struct {
	Summary   []string `yaml:"summary"`
	Equipment []string `yaml:"equipment"`
	Services  []string `yaml:"services"`
}

// DefaultRules returns the built-in markers.
func DefaultRules() Rules {
	return Rules{
		Summary:   []string{"resumen", "summary"},
		Equipment: []string{"mat.", "material", "equipo", "suministro", "equipment"},
		Services:  []string{"mano de obra", "servicio", "ingenieria", "labor", "service", "m.o."},
	}
}

// LoadRules reads a YAML rules file. Categories missing from the file keep
// their built-in markers.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "pipeline: read rules %s", path)
	}
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Rules{}, eris.Wrapf(err, "pipeline: parse rules %s", path)
	}

	rules := DefaultRules()
	if len(file.Summary) > 0 {
		rules.Summary = file.Summary
	}
	if len(file.Equipment) > 0 {
		rules.Equipment = file.Equipment
	}
	if len(file.Services) > 0 {
		rules.Services = file.Services
	}
	return rules, nil
}

// Classifier maps sheet names to categories. It is safe for concurrent use.
type Classifier struct {
	order   []model.Category
	markers map[model.Category][]string
}

// NewClassifier folds the markers in rules once.
func NewClassifier(rules Rules) *Classifier {
	return &Classifier{
		order: []model.Category{model.CategorySummary, model.CategoryEquipment, model.CategoryServices},
		markers: map[model.Category][]string{
			model.CategorySummary:   foldAll(rules.Summary),
			model.CategoryEquipment: foldAll(rules.Equipment),
			model.CategoryServices:  foldAll(rules.Services),
		},
	}
}

// Classify returns the first category whose marker occurs in name, or
// Expenses when none does.
func (c *Classifier) Classify(name string) model.Category {
	folded := fold(name)
	for _, cat := range c.order {
		for _, m := range c.markers[cat] {
			if m != "" && strings.Contains(folded, m) {
				return cat
			}
		}
	}
	return model.CategoryExpenses
}

// ClassifyAll pairs each sheet with its category.
func (c *Classifier) ClassifyAll(sheets []model.SheetText) []model.ClassifiedSheet {
	out := make([]model.ClassifiedSheet, len(sheets))
	for i, s := range sheets {
		out[i] = model.ClassifiedSheet{SheetText: s, Category: c.Classify(s.Name)}
	}
	return out
}

var defaultClassifier = NewClassifier(DefaultRules())

// Classify uses the built-in rules.
func Classify(name string) model.Category {
	return defaultClassifier.Classify(name)
}

// fold trims, lowercases and strips combining marks.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if f := fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
