package pipeline

import (
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/model"
)

// SelectSheets drops empty and header-only sheets, caps each sheet's
// content at budget characters, orders the rest by row count (largest
// first, ties keep workbook order) and keeps at most maxSheets.
func SelectSheets(sheets []model.SheetText, maxSheets, budget int) []model.SheetText {
	var kept []model.SheetText
	for _, s := range sheets {
		if s.RowCount <= 1 {
			zap.L().Debug("pipeline: skipping trivial sheet",
				zap.String("sheet", s.Name),
				zap.Int("rows", s.RowCount),
			)
			continue
		}
		if len(s.Content) > budget {
			zap.L().Info("pipeline: truncating sheet",
				zap.String("sheet", s.Name),
				zap.Int("chars", len(s.Content)),
				zap.Int("budget", budget),
			)
			s.Content = truncateText(s.Content, budget)
			s.RowCount = countRows(s.Content)
			if s.RowCount <= 1 {
				continue
			}
		}
		kept = append(kept, s)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].RowCount > kept[j].RowCount
	})

	if maxSheets > 0 && len(kept) > maxSheets {
		for _, s := range kept[maxSheets:] {
			zap.L().Info("pipeline: sheet over limit, skipping",
				zap.String("sheet", s.Name),
				zap.Int("rows", s.RowCount),
			)
		}
		kept = kept[:maxSheets]
	}
	return kept
}

// countRows counts the header line plus the data lines of content.
func countRows(content string) int {
	header, data := model.SplitRows(content)
	if header == "" && len(data) == 0 {
		return 0
	}
	return len(data) + 1
}

// truncateText cuts s to at most limit bytes without splitting a rune,
// preferring to end on a complete row.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	if i := strings.LastIndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	return s
}
