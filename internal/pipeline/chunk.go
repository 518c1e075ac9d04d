package pipeline

import (
	"strings"

	"github.com/sells-group/quote-extract/internal/model"
)

// ChunkSheet splits a sheet into chunks of at most bound data rows, each
// repeating the header line. A sheet within the bound yields one chunk
// with the sheet's own content.
func ChunkSheet(sheet model.SheetText, bound int) []model.Chunk {
	header, data := model.SplitRows(sheet.Content)
	if bound <= 0 || len(data) <= bound {
		return []model.Chunk{{
			ParentSheetName: sheet.Name,
			Content:         sheet.Content,
			RowCount:        sheet.RowCount,
			Index:           0,
			TotalChunks:     1,
		}}
	}

	total := (len(data) + bound - 1) / bound
	chunks := make([]model.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * bound
		end := start + bound
		if end > len(data) {
			end = len(data)
		}
		group := data[start:end]

		var b strings.Builder
		b.WriteString(header)
		for _, line := range group {
			b.WriteByte('\n')
			b.WriteString(line)
		}
		chunks = append(chunks, model.Chunk{
			ParentSheetName: sheet.Name,
			Content:         b.String(),
			RowCount:        len(group),
			Index:           i,
			TotalChunks:     total,
		})
	}
	return chunks
}
