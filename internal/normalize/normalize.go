// Package normalize converts the heterogeneous JSON shapes returned by
// dashboard data sources (plain arrays, single objects, keyed time series,
// columnar OHLCV candles) into one uniform list+single representation that
// rendering can consume without caring where the data came from.
package normalize

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WidgetType selects shape-detection behavior that differs between chart
// widgets (time-ordered, newest item is representative) and card/table
// widgets (given order, first item is representative).
type WidgetType string

const (
	WidgetCard  WidgetType = "card"
	WidgetTable WidgetType = "table"
	WidgetChart WidgetType = "chart"
)

// Row is one normalized record.
type Row = map[string]any

// Result is the uniform output consumed by rendering. Single is nil or an
// element logically present in List: the first row for generic data, the most
// recent row for time-series and candle data.
type Result struct {
	List   []Row
	Single Row
}

// rule pairs a shape predicate with its transform. Rules are evaluated in
// declaration order; the first match wins.
type rule struct {
	match func(wt WidgetType, v any) bool
	apply func(wt WidgetType, v any) Result
}

var rules = []rule{
	{matchCandleColumns, applyCandleColumns},
	{matchKeyedSeries, applyKeyedSeries},
	{matchSequence, applySequence},
	{matchObject, applyObject},
}

// Normalize shapes the value extracted at a widget's dataPath into a Result.
// It never fails: unrecognized values fall through to the primitive wrapper
// and a nil value yields an empty Result.
func Normalize(wt WidgetType, v any) Result {
	if v == nil {
		return Result{List: []Row{}}
	}
	for _, r := range rules {
		if r.match(wt, v) {
			return r.apply(wt, v)
		}
	}
	row := Row{"value": v}
	return Result{List: []Row{row}, Single: row}
}

// Candle-column shape: parallel same-length o/h/l/c/v arrays plus a time
// array and a status field, as Finnhub's /stock/candle returns them.

var candleColumns = map[string]string{
	"t": "time",
	"o": "open",
	"h": "high",
	"l": "low",
	"c": "close",
	"v": "volume",
}

func matchCandleColumns(_ WidgetType, v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := obj["s"]; !ok {
		return false
	}
	n := -1
	for col := range candleColumns {
		seq, ok := obj[col].([]any)
		if !ok {
			return false
		}
		if n == -1 {
			n = len(seq)
		} else if len(seq) != n {
			return false
		}
	}
	return true
}

func applyCandleColumns(_ WidgetType, v any) Result {
	obj := v.(map[string]any)
	n := len(obj["t"].([]any))

	list := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		row := Row{}
		for col, name := range candleColumns {
			row[name] = toNumber(obj[col].([]any)[i])
		}
		list = append(list, row)
	}

	var single Row
	if n > 0 {
		single = list[n-1]
	}
	return Result{List: list, Single: single}
}

// Keyed-time-series shape (chart widgets only): an object whose keys are
// date strings and whose values carry OHLC-ish fields, possibly with Alpha
// Vantage's "1. open" numbered labels. Rows come out sorted ascending by
// date with canonical field names.

var seriesFields = map[string]struct{}{
	"open": {}, "high": {}, "low": {}, "close": {}, "volume": {}, "price": {}, "adjusted close": {},
}

func matchKeyedSeries(wt WidgetType, v any) bool {
	if wt != WidgetChart {
		return false
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return false
	}
	for k, entry := range obj {
		if _, ok := parseDate(k); !ok {
			return false
		}
		fields, ok := entry.(map[string]any)
		if !ok {
			return false
		}
		found := false
		for fk := range fields {
			if _, ok := seriesFields[canonicalField(fk)]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func applyKeyedSeries(_ WidgetType, v any) Result {
	obj := v.(map[string]any)

	list := make([]Row, 0, len(obj))
	for date, entry := range obj {
		row := Row{"time": date}
		for fk, fv := range entry.(map[string]any) {
			row[canonicalField(fk)] = toNumber(fv)
		}
		list = append(list, row)
	}
	sort.SliceStable(list, func(i, j int) bool {
		ti, _ := parseDate(list[i]["time"].(string))
		tj, _ := parseDate(list[j]["time"].(string))
		return ti.Before(tj)
	})

	var single Row
	if len(list) > 0 {
		single = list[len(list)-1]
	}
	return Result{List: list, Single: single}
}

// canonicalField strips provider prefixes like "1. " or "5. adjusted " label
// numbering, lowercasing the remainder: "4. close" -> "close".
func canonicalField(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if dot := strings.Index(key, ". "); dot > 0 {
		if _, err := strconv.Atoi(key[:dot]); err == nil {
			key = key[dot+2:]
		}
	}
	return key
}

// Sequences are used as-is. Map elements become rows directly, primitives are
// wrapped. Chart widgets sort rows ascending by their time-like field and
// take the newest row as single; other widgets preserve the given order and
// take the first.

func matchSequence(_ WidgetType, v any) bool {
	_, ok := v.([]any)
	return ok
}

func applySequence(wt WidgetType, v any) Result {
	seq := v.([]any)

	list := make([]Row, 0, len(seq))
	for _, el := range seq {
		if m, ok := el.(map[string]any); ok {
			list = append(list, Row(m))
		} else {
			list = append(list, Row{"value": el})
		}
	}

	if wt == WidgetChart {
		if tf := timeField(list); tf != "" {
			sort.SliceStable(list, func(i, j int) bool {
				ti, iok := parseDate(list[i][tf])
				tj, jok := parseDate(list[j][tf])
				if !iok || !jok {
					return false
				}
				return ti.Before(tj)
			})
		}
	}

	var single Row
	if len(list) > 0 {
		if wt == WidgetChart {
			single = list[len(list)-1]
		} else {
			single = list[0]
		}
	}
	return Result{List: list, Single: single}
}

var timeFieldNames = []string{"time", "date", "timestamp", "datetime", "t"}

// timeField returns the name of the first recognized time-like field present
// in the first row, or "".
func timeField(list []Row) string {
	if len(list) == 0 {
		return ""
	}
	for _, name := range timeFieldNames {
		if _, ok := list[0][name]; ok {
			return name
		}
	}
	return ""
}

// Plain-object fallback. Chart widgets flatten each top-level entry into a
// row keyed by "key"; card and table widgets treat the object as the single
// row.

func matchObject(_ WidgetType, v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func applyObject(wt WidgetType, v any) Result {
	obj := v.(map[string]any)

	if wt != WidgetChart {
		row := Row(obj)
		return Result{List: []Row{row}, Single: row}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ti, iok := parseDate(keys[i])
		tj, jok := parseDate(keys[j])
		if iok && jok {
			return ti.Before(tj)
		}
		return keys[i] < keys[j]
	})

	list := make([]Row, 0, len(keys))
	for _, k := range keys {
		row := Row{"key": k}
		if m, ok := obj[k].(map[string]any); ok {
			for fk, fv := range m {
				row[fk] = fv
			}
		} else {
			row["value"] = obj[k]
		}
		list = append(list, row)
	}

	var single Row
	if len(list) > 0 {
		single = list[len(list)-1]
	}
	return Result{List: list, Single: single}
}

// toNumber coerces values expected to be numeric. JSON numbers pass through,
// numeric strings are parsed, anything unparsable becomes NaN rather than
// aborting normalization of the remaining rows.
func toNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"01/02/2006",
}

// parseDate interprets date strings in common provider layouts and numbers as
// unix timestamps (seconds, or milliseconds above 1e12).
func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		if d > 1e12 {
			return time.UnixMilli(int64(d)), true
		}
		return time.Unix(int64(d), 0), true
	case int64:
		return time.Unix(d, 0), true
	default:
		return time.Time{}, false
	}
}
