package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/quote-extract/internal/model"
)

// Field defaults applied when a value is missing or cannot be coerced.
const (
	DefaultUnit            = "pza"
	DefaultServiceUnit     = "servicio"
	DefaultLocation        = "oficina"
	DefaultCurrency        = "MXN"
	DefaultPriceMultiplier = 1.00
	DefaultMarkup          = 1.25
	DefaultServiceQuantity = 1
)

// aliases lists alternative keys accepted for a canonical field name.
var aliases = map[string][]string{
	"name":             {"nombre", "title", "titulo", "sheet"},
	"items":            {"lines", "rows", "partidas", "conceptos"},
	"activities":       {"actividades", "items", "lines"},
	"resources":        {"recursos", "breakdown"},
	"group":            {"grupo", "section", "seccion"},
	"code":             {"codigo", "clave", "sku", "part_number"},
	"description":      {"descripcion", "concepto", "concept", "desc"},
	"brand":            {"marca", "manufacturer"},
	"unit":             {"unidad", "um", "uom"},
	"quantity":         {"cantidad", "cant", "qty"},
	"unit_cost":        {"costo_unitario", "precio_unitario", "unit_price", "pu", "price"},
	"price_multiplier": {"multiplicador", "factor"},
	"markup":           {"margen", "factor_venta"},
	"total":            {"importe", "amount"},
	"schedule_code":    {"codigo_programa", "wbs", "code"},
	"resource":         {"recurso", "role", "puesto"},
	"location":         {"ubicacion", "lugar", "site"},
	"hours":            {"horas", "hh"},
	"rate":             {"tarifa", "hourly_rate"},
	"concept":          {"concepto", "description", "descripcion"},
	"amount":           {"importe", "monto", "total"},
	"project":          {"proyecto"},
	"client":           {"cliente", "customer"},
	"currency":         {"moneda"},
	"tax":              {"iva", "impuesto"},
}

// NormalizeEquipment coerces a recovered value into an EquipmentGroup.
func NormalizeEquipment(v any, chunk model.Chunk) model.EquipmentGroup {
	obj, list := objectOrList(v, "items")
	g := model.EquipmentGroup{
		Sheet: chunk.ParentSheetName,
		Chunk: chunk.Index,
		Name:  str(obj, "name", chunk.ParentSheetName),
		Items: []model.EquipmentItem{},
	}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		it := model.EquipmentItem{
			Group:           str(m, "group", ""),
			Code:            str(m, "code", ""),
			Description:     str(m, "description", ""),
			Brand:           str(m, "brand", ""),
			Unit:            str(m, "unit", DefaultUnit),
			Quantity:        num(m, "quantity", 0),
			UnitCost:        num(m, "unit_cost", 0),
			PriceMultiplier: num(m, "price_multiplier", DefaultPriceMultiplier),
			Markup:          num(m, "markup", DefaultMarkup),
		}
		it.Total = num(m, "total", finiteOr(it.Quantity*it.UnitCost*it.PriceMultiplier, 0))
		g.Items = append(g.Items, it)
	}
	return g
}

// NormalizeServices coerces a recovered value into a ServiceGroup.
func NormalizeServices(v any, chunk model.Chunk) model.ServiceGroup {
	obj, list := objectOrList(v, "activities")
	g := model.ServiceGroup{
		Sheet:      chunk.ParentSheetName,
		Chunk:      chunk.Index,
		Name:       str(obj, "name", chunk.ParentSheetName),
		Activities: []model.ServiceActivity{},
	}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		act := model.ServiceActivity{
			Description:  str(m, "description", ""),
			ScheduleCode: str(m, "schedule_code", ""),
			Unit:         str(m, "unit", DefaultServiceUnit),
			Quantity:     num(m, "quantity", DefaultServiceQuantity),
			Resources:    []model.ResourceHours{},
		}
		for _, rr := range asList(lookup(m, "resources")) {
			rm, ok := rr.(map[string]any)
			if !ok {
				continue
			}
			act.Resources = append(act.Resources, model.ResourceHours{
				Resource: str(rm, "resource", ""),
				Location: str(rm, "location", DefaultLocation),
				Hours:    num(rm, "hours", 0),
				Rate:     num(rm, "rate", 0),
			})
		}
		g.Activities = append(g.Activities, act)
	}
	return g
}

// NormalizeExpenses coerces a recovered value into an ExpenseGroup.
func NormalizeExpenses(v any, chunk model.Chunk) model.ExpenseGroup {
	obj, list := objectOrList(v, "items")
	g := model.ExpenseGroup{
		Sheet: chunk.ParentSheetName,
		Chunk: chunk.Index,
		Name:  str(obj, "name", chunk.ParentSheetName),
		Items: []model.ExpenseItem{},
	}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		it := model.ExpenseItem{
			Description:     str(m, "description", ""),
			Unit:            str(m, "unit", DefaultUnit),
			Quantity:        num(m, "quantity", 0),
			UnitCost:        num(m, "unit_cost", 0),
			PriceMultiplier: num(m, "price_multiplier", DefaultPriceMultiplier),
		}
		it.Total = num(m, "total", finiteOr(it.Quantity*it.UnitCost*it.PriceMultiplier, 0))
		g.Items = append(g.Items, it)
	}
	return g
}

// NormalizeSummary coerces a recovered value into a SummaryRecord. A list
// is read as the summary lines.
func NormalizeSummary(v any, sheet string) *model.SummaryRecord {
	obj, lines := objectOrList(v, "lines")
	s := &model.SummaryRecord{
		Sheet:    sheet,
		Project:  str(obj, "project", ""),
		Client:   str(obj, "client", ""),
		Currency: str(obj, "currency", DefaultCurrency),
		Lines:    []model.SummaryLine{},
		Subtotal: num(obj, "subtotal", 0),
		Tax:      num(obj, "tax", 0),
		Markup:   num(obj, "markup", DefaultMarkup),
	}
	for _, raw := range lines {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		s.Lines = append(s.Lines, model.SummaryLine{
			Concept: str(m, "concept", ""),
			Amount:  num(m, "amount", 0),
		})
	}
	if s.Subtotal == 0 {
		for _, l := range s.Lines {
			s.Subtotal += l.Amount
		}
		s.Subtotal = finiteOr(s.Subtotal, 0)
	}
	s.Total = num(obj, "total", finiteOr(s.Subtotal+s.Tax, 0))
	return s
}

// objectOrList reads v as an object holding a list under key. An array is
// taken as the list itself and an object without the key as a single item.
func objectOrList(v any, key string) (map[string]any, []any) {
	switch t := v.(type) {
	case []any:
		return nil, t
	case map[string]any:
		if inner := lookup(t, key); inner != nil {
			return t, asList(inner)
		}
		if looksLikeRecord(t) {
			return t, []any{t}
		}
		return t, nil
	default:
		return nil, nil
	}
}

// looksLikeRecord reports whether an object without a list key is itself
// a line item rather than an empty wrapper.
func looksLikeRecord(m map[string]any) bool {
	for _, k := range []string{"description", "concept", "quantity", "unit_cost", "amount"} {
		if lookup(m, k) != nil {
			return true
		}
	}
	return false
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	default:
		return nil
	}
}

// lookup returns m[key] or the first present alias, matching keys
// case-insensitively.
func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	folded := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			folded[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	if v, ok := folded[key]; ok {
		return v
	}
	for _, alias := range aliases[key] {
		if v, ok := folded[alias]; ok {
			return v
		}
	}
	return nil
}

func str(m map[string]any, key, def string) string {
	switch t := lookup(m, key).(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return def
}

func num(m map[string]any, key string, def float64) float64 {
	if f, ok := toNumber(lookup(m, key)); ok {
		return f
	}
	return def
}

// toNumber coerces JSON numbers, numeric strings (currency symbols,
// thousands separators and decimal commas allowed) and booleans.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, finite(t)
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil && finite(f)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		return parseNumber(t)
	default:
		return 0, false
	}
}

var numberNoise = strings.NewReplacer(
	"$", "", "€", "", "MXN", "", "USD", "", "mxn", "", "usd", "",
	" ", "", "\u00a0", "", "%", "", "'", "",
)

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(numberNoise.Replace(s))
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}

	dot := strings.LastIndexByte(s, '.')
	comma := strings.LastIndexByte(s, ',')
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if thousandsGrouped(s, ',') {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case dot >= 0 && strings.Count(s, ".") > 1:
		// 1.234.567
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// finite rejects NaN and the infinities, which ParseFloat accepts by name
// and which cannot be encoded as JSON.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteOr(f, def float64) float64 {
	if finite(f) {
		return f
	}
	return def
}

// thousandsGrouped reports whether every group after the first sep has
// exactly three digits, as in "12,500" or "1,250,000".
func thousandsGrouped(s string, sep byte) bool {
	parts := strings.Split(s, string(sep))
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}
