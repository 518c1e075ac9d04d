package model

import (
	"fmt"
	"strings"
)

// Category is the semantic bucket a worksheet is assigned to by name.
type Category string

const (
	CategorySummary   Category = "summary"
	CategoryEquipment Category = "equipment"
	CategoryServices  Category = "services"
	CategoryExpenses  Category = "expenses"
)

// Categories lists every category in evaluation order.
var Categories = []Category{CategorySummary, CategoryEquipment, CategoryServices, CategoryExpenses}

// SheetText is one worksheet converted to delimited text. The first line of
// Content is the header line; every following line is a data row.
type SheetText struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	RowCount int    `json:"row_count"`
}

// ClassifiedSheet pairs a sheet with its category.
type ClassifiedSheet struct {
	SheetText
	Category Category `json:"category"`
}

// Chunk is a row-bounded slice of a sheet. Content always starts with the
// parent sheet's header line.
type Chunk struct {
	ParentSheetName string `json:"parent_sheet_name"`
	Content         string `json:"content"`
	RowCount        int    `json:"row_count"`
	Index           int    `json:"index"`
	TotalChunks     int    `json:"total_chunks"`
}

// Label returns a human readable identifier such as "MAT. ELECTRICOS (2/3)".
func (c Chunk) Label() string {
	if c.TotalChunks <= 1 {
		return c.ParentSheetName
	}
	return fmt.Sprintf("%s (%d/%d)", c.ParentSheetName, c.Index+1, c.TotalChunks)
}

// SplitRows splits delimited text into its header line and data lines.
// Trailing empty lines are ignored.
func SplitRows(content string) (header string, data []string) {
	lines := strings.Split(content, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], lines[1:]
}
