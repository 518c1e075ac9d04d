package model

// Tier is an escalation level for a single extraction attempt.
type Tier int

const (
	// TierBaseline sends the plain request to the default model.
	TierBaseline Tier = iota
	// TierReinforced re-sends the request with a JSON-only instruction prepended.
	TierReinforced
	// TierEscalated sends the plain request to the higher-accuracy model.
	TierEscalated
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierReinforced:
		return "reinforced"
	case TierEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// ExtractionAttempt records one call to the inference service for a chunk.
type ExtractionAttempt struct {
	Chunk      Chunk  `json:"chunk"`
	Tier       Tier   `json:"tier"`
	Model      string `json:"model"`
	ResultText string `json:"result_text,omitempty"`
	Err        error  `json:"-"`
}

// EquipmentItem is one equipment or material line of a quotation.
type EquipmentItem struct {
	Group           string  `json:"group,omitempty"`
	Code            string  `json:"code,omitempty"`
	Description     string  `json:"description"`
	Brand           string  `json:"brand,omitempty"`
	Unit            string  `json:"unit"`
	Quantity        float64 `json:"quantity"`
	UnitCost        float64 `json:"unit_cost"`
	PriceMultiplier float64 `json:"price_multiplier"`
	Markup          float64 `json:"markup"`
	Total           float64 `json:"total"`
}

// EquipmentGroup holds the equipment items recovered from one chunk.
type EquipmentGroup struct {
	Sheet string          `json:"sheet"`
	Chunk int             `json:"chunk"`
	Name  string          `json:"name"`
	Items []EquipmentItem `json:"items"`
}

// ResourceHours is the effort one resource spends on an activity.
type ResourceHours struct {
	Resource string  `json:"resource"`
	Location string  `json:"location"`
	Hours    float64 `json:"hours"`
	Rate     float64 `json:"rate,omitempty"`
}

// ServiceActivity is one labor/service line with its resource breakdown.
type ServiceActivity struct {
	Description  string          `json:"description"`
	ScheduleCode string          `json:"schedule_code,omitempty"`
	Unit         string          `json:"unit"`
	Quantity     float64         `json:"quantity"`
	Resources    []ResourceHours `json:"resources"`
}

// ServiceGroup holds the service activities recovered from one chunk.
type ServiceGroup struct {
	Sheet      string            `json:"sheet"`
	Chunk      int               `json:"chunk"`
	Name       string            `json:"name"`
	Activities []ServiceActivity `json:"activities"`
}

// ResourceNames returns every non-empty resource name mentioned in the group.
func (g ServiceGroup) ResourceNames() []string {
	var out []string
	for _, a := range g.Activities {
		for _, r := range a.Resources {
			if r.Resource != "" {
				out = append(out, r.Resource)
			}
		}
	}
	return out
}

// ScheduleCodes returns every non-empty suggested schedule code in the group.
func (g ServiceGroup) ScheduleCodes() []string {
	var out []string
	for _, a := range g.Activities {
		if a.ScheduleCode != "" {
			out = append(out, a.ScheduleCode)
		}
	}
	return out
}

// ExpenseItem is one miscellaneous expense line (travel, freight, permits).
type ExpenseItem struct {
	Description     string  `json:"description"`
	Unit            string  `json:"unit"`
	Quantity        float64 `json:"quantity"`
	UnitCost        float64 `json:"unit_cost"`
	PriceMultiplier float64 `json:"price_multiplier"`
	Total           float64 `json:"total"`
}

// ExpenseGroup holds the expense items recovered from one chunk.
type ExpenseGroup struct {
	Sheet string        `json:"sheet"`
	Chunk int           `json:"chunk"`
	Name  string        `json:"name"`
	Items []ExpenseItem `json:"items"`
}

// SummaryLine is one concept/amount pair from the summary sheet.
type SummaryLine struct {
	Concept string  `json:"concept"`
	Amount  float64 `json:"amount"`
}

// SummaryRecord is the quotation-level summary.
type SummaryRecord struct {
	Sheet    string        `json:"sheet"`
	Project  string        `json:"project,omitempty"`
	Client   string        `json:"client,omitempty"`
	Currency string        `json:"currency"`
	Lines    []SummaryLine `json:"lines"`
	Subtotal float64       `json:"subtotal"`
	Tax      float64       `json:"tax"`
	Total    float64       `json:"total"`
	Markup   float64       `json:"markup"`
}

// SheetFailure describes a chunk that exhausted every escalation tier.
// Only populated when partial results are allowed.
type SheetFailure struct {
	Sheet string `json:"sheet"`
	Chunk int    `json:"chunk"`
	Error string `json:"error"`
}

// AggregateDocument is the final output of one extraction run.
type AggregateDocument struct {
	EquipmentGroups     []EquipmentGroup `json:"equipment_groups"`
	ServiceGroups       []ServiceGroup   `json:"service_groups"`
	ExpenseGroups       []ExpenseGroup   `json:"expense_groups"`
	Summary             *SummaryRecord   `json:"summary"`
	UniqueResourceNames []string         `json:"unique_resource_names"`
	UniqueScheduleCodes []string         `json:"unique_schedule_codes"`
	SheetNames          []string         `json:"sheet_names"`
	Failures            []SheetFailure   `json:"failures,omitempty"`
}

// EquipmentItemCount returns the total number of equipment items across groups.
func (d *AggregateDocument) EquipmentItemCount() int {
	n := 0
	for _, g := range d.EquipmentGroups {
		n += len(g.Items)
	}
	return n
}
