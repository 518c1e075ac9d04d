package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/quote-extract/internal/model"
)

// Prompt is the payload for one extraction call.
type Prompt struct {
	System string
	User   string
}

// reinforcement is prepended to the user prompt on the Reinforced tier.
const reinforcement = "IMPORTANT: Respond ONLY with the JSON document. No prose, no explanations, no markdown code fences."

const commonRules = `Rules:
- Respond with a single valid JSON document and nothing else.
- Numbers must be plain JSON numbers without currency symbols or thousands separators.
- Use null for values that are not present in the rows. Never invent values.
- Keep descriptions as they appear in the sheet.`

var systemPrompts = map[model.Category]string{
	model.CategorySummary: `You extract the summary page of a commercial quotation from spreadsheet rows.
Return one JSON object:
{"project": string, "client": string, "currency": string,
 "lines": [{"concept": string, "amount": number}],
 "subtotal": number, "tax": number, "total": number, "markup": number}
` + commonRules,

	model.CategoryEquipment: `You extract equipment and material lines of a commercial quotation from spreadsheet rows.
Return one JSON object:
{"name": string,
 "items": [{"group": string, "code": string, "description": string, "brand": string, "unit": string,
            "quantity": number, "unit_cost": number, "price_multiplier": number, "markup": number, "total": number}]}
"group" is the logical group heading the row belongs to (section titles in the sheet). One item per data row.
` + commonRules,

	model.CategoryServices: `You extract labor and service activities of a commercial quotation from spreadsheet rows.
Return one JSON object:
{"name": string,
 "activities": [{"description": string, "schedule_code": string, "unit": string, "quantity": number,
                 "resources": [{"resource": string, "location": string, "hours": number, "rate": number}]}]}
Each activity lists the hours every resource (engineer, technician, supervisor...) spends on it. "location" is
where the work happens (office or site). "schedule_code" is a short activity code suitable for a project schedule.
` + commonRules,

	model.CategoryExpenses: `You extract miscellaneous expense lines (travel, freight, permits, rentals) of a commercial quotation
from spreadsheet rows.
Return one JSON object:
{"name": string,
 "items": [{"description": string, "unit": string, "quantity": number, "unit_cost": number,
            "price_multiplier": number, "total": number}]}
` + commonRules,
}

// BuildRequest renders the prompt for one chunk. sharedContext, when set,
// is quoted as background only.
func BuildRequest(chunk model.Chunk, category model.Category, sharedContext string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Sheet: %s\n", chunk.ParentSheetName)
	if chunk.TotalChunks > 1 {
		fmt.Fprintf(&b, "Part %d of %d. The header row is repeated; extract only the rows below it.\n", chunk.Index+1, chunk.TotalChunks)
	}
	if sharedContext != "" && category != model.CategorySummary {
		b.WriteString("\nQuotation summary (context only, do not extract it):\n")
		b.WriteString(sharedContext)
		b.WriteString("\n")
	}
	b.WriteString("\nRows (cells separated by \" | \"):\n")
	b.WriteString(chunk.Content)

	return Prompt{
		System: systemPrompts[category],
		User:   b.String(),
	}
}

// reinforce returns the Reinforced tier variant of p.
func reinforce(p Prompt) Prompt {
	p.User = reinforcement + "\n\n" + p.User
	return p
}

// sharedContextFrom returns the first limit characters of the summary sheet.
func sharedContextFrom(summary *model.ClassifiedSheet, limit int) string {
	if summary == nil || limit <= 0 {
		return ""
	}
	s := summary.Content
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
