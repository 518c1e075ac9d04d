package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-extract/internal/model"
)

func TestAggregator_Empty(t *testing.T) {
	doc := NewAggregator().Finalize()

	assert.Nil(t, doc.Summary)
	assert.NotNil(t, doc.EquipmentGroups)
	assert.NotNil(t, doc.ServiceGroups)
	assert.NotNil(t, doc.ExpenseGroups)
	assert.NotNil(t, doc.UniqueResourceNames)
	assert.NotNil(t, doc.UniqueScheduleCodes)
	assert.Empty(t, doc.Failures)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"equipment_groups":[]`)
	assert.NotContains(t, string(data), `"failures"`)
}

func TestAggregator_ServicesIdentifierSets(t *testing.T) {
	a := NewAggregator()
	a.AddServices(model.ServiceGroup{Activities: []model.ServiceActivity{
		{ScheduleCode: "ING-02", Resources: []model.ResourceHours{{Resource: "Ingeniero"}, {Resource: "Tecnico"}}},
		{ScheduleCode: "ING-01", Resources: []model.ResourceHours{{Resource: "Ingeniero"}, {Resource: ""}}},
	}})
	a.AddServices(model.ServiceGroup{Activities: []model.ServiceActivity{
		{ScheduleCode: "ING-01", Resources: []model.ResourceHours{{Resource: "Supervisor"}}},
	}})

	doc := a.Finalize()

	assert.Len(t, doc.ServiceGroups, 2)
	assert.Equal(t, []string{"Ingeniero", "Supervisor", "Tecnico"}, doc.UniqueResourceNames)
	assert.Equal(t, []string{"ING-01", "ING-02"}, doc.UniqueScheduleCodes)
}

func TestAggregator_EquipmentNotDeduplicated(t *testing.T) {
	a := NewAggregator()
	item := model.EquipmentItem{Description: "Cable", Quantity: 1}
	a.AddEquipment(model.EquipmentGroup{Sheet: "MAT", Chunk: 0, Items: []model.EquipmentItem{item, item}})
	a.AddEquipment(model.EquipmentGroup{Sheet: "MAT", Chunk: 1, Items: []model.EquipmentItem{item}})

	doc := a.Finalize()

	assert.Len(t, doc.EquipmentGroups, 2)
	assert.Equal(t, 3, doc.EquipmentItemCount())
}

func TestAggregator_FirstSummaryWins(t *testing.T) {
	a := NewAggregator()
	a.SetSummary(&model.SummaryRecord{Sheet: "RESUMEN"})
	a.SetSummary(&model.SummaryRecord{Sheet: "RESUMEN 2"})

	assert.Equal(t, "RESUMEN", a.Finalize().Summary.Sheet)
}

func TestAggregator_SheetNamesOnce(t *testing.T) {
	a := NewAggregator()
	for _, n := range []string{"RESUMEN", "MAT", "MAT", "MAT", "MANO DE OBRA"} {
		a.AddSheetName(n)
	}
	assert.Equal(t, []string{"RESUMEN", "MAT", "MANO DE OBRA"}, a.Finalize().SheetNames)
}

func TestAggregator_AddDispatchesByCategory(t *testing.T) {
	a := NewAggregator()
	chunk := model.Chunk{ParentSheetName: "X", TotalChunks: 1}

	a.Add(model.CategorySummary, chunk, map[string]any{"total": 10.0})
	a.Add(model.CategoryEquipment, chunk, map[string]any{"items": []any{}})
	a.Add(model.CategoryServices, chunk, map[string]any{"activities": []any{}})
	a.Add(model.CategoryExpenses, chunk, map[string]any{"items": []any{}})
	a.AddFailure(model.SheetFailure{Sheet: "Y", Error: "boom"})

	doc := a.Finalize()
	require.NotNil(t, doc.Summary)
	assert.InDelta(t, 10, doc.Summary.Total, 1e-9)
	assert.Len(t, doc.EquipmentGroups, 1)
	assert.Len(t, doc.ServiceGroups, 1)
	assert.Len(t, doc.ExpenseGroups, 1)
	assert.Len(t, doc.Failures, 1)
}
