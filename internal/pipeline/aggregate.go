package pipeline

import (
	"sort"

	"github.com/sells-group/quote-extract/internal/model"
)

// Aggregator accumulates recovered records for one run. It is not safe for
// concurrent use; the extractor feeds it in task order.
type Aggregator struct {
	doc        model.AggregateDocument
	resources  map[string]struct{}
	schedule   map[string]struct{}
	sheetNames []string
	seenSheets map[string]struct{}
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		resources:  make(map[string]struct{}),
		schedule:   make(map[string]struct{}),
		seenSheets: make(map[string]struct{}),
	}
}

// AddSheetName records a processed sheet once, in first-seen order.
func (a *Aggregator) AddSheetName(name string) {
	if _, ok := a.seenSheets[name]; ok {
		return
	}
	a.seenSheets[name] = struct{}{}
	a.sheetNames = append(a.sheetNames, name)
}

// SetSummary fills the summary slot. Only the first summary is kept.
func (a *Aggregator) SetSummary(s *model.SummaryRecord) {
	if a.doc.Summary == nil {
		a.doc.Summary = s
	}
}

func (a *Aggregator) AddEquipment(g model.EquipmentGroup) {
	a.doc.EquipmentGroups = append(a.doc.EquipmentGroups, g)
}

// AddServices appends g and collects its resource names and schedule codes.
func (a *Aggregator) AddServices(g model.ServiceGroup) {
	a.doc.ServiceGroups = append(a.doc.ServiceGroups, g)
	for _, r := range g.ResourceNames() {
		a.resources[r] = struct{}{}
	}
	for _, c := range g.ScheduleCodes() {
		a.schedule[c] = struct{}{}
	}
}

func (a *Aggregator) AddExpenses(g model.ExpenseGroup) {
	a.doc.ExpenseGroups = append(a.doc.ExpenseGroups, g)
}

// AddFailure records a chunk that exhausted every tier (partial mode).
func (a *Aggregator) AddFailure(f model.SheetFailure) {
	a.doc.Failures = append(a.doc.Failures, f)
}

// Add normalizes value for category and appends it to the matching
// collection.
func (a *Aggregator) Add(category model.Category, chunk model.Chunk, value any) {
	switch category {
	case model.CategorySummary:
		a.SetSummary(NormalizeSummary(value, chunk.ParentSheetName))
	case model.CategoryEquipment:
		a.AddEquipment(NormalizeEquipment(value, chunk))
	case model.CategoryServices:
		a.AddServices(NormalizeServices(value, chunk))
	default:
		a.AddExpenses(NormalizeExpenses(value, chunk))
	}
}

// Finalize returns the document with both identifier sets sorted. Empty
// collections are returned as empty slices.
func (a *Aggregator) Finalize() *model.AggregateDocument {
	doc := a.doc
	doc.UniqueResourceNames = sortedKeys(a.resources)
	doc.UniqueScheduleCodes = sortedKeys(a.schedule)
	doc.SheetNames = append([]string{}, a.sheetNames...)
	if doc.EquipmentGroups == nil {
		doc.EquipmentGroups = []model.EquipmentGroup{}
	}
	if doc.ServiceGroups == nil {
		doc.ServiceGroups = []model.ServiceGroup{}
	}
	if doc.ExpenseGroups == nil {
		doc.ExpenseGroups = []model.ExpenseGroup{}
	}
	return &doc
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
