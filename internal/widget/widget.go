// Package widget composes the per-widget data view: it pulls the raw cached
// response for the widget's URL, extracts the configured sub-path, normalizes
// the shape for the widget type, and projects the configured fields onto each
// row. Rendering consumes the resulting DataView; this package does no
// fetching of its own.
package widget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dashfetch/internal/cache"
	"dashfetch/internal/classify"
	"dashfetch/internal/jsonpath"
	"dashfetch/internal/normalize"
)

// Field maps one extracted value to its display form.
type Field struct {
	Key    string // dot-path within a normalized row
	Label  string // display label; Key when empty
	Format string // display format hint, see FormatValue
}

// Query is one widget's view configuration. It is owned by the UI layer and
// passed by value on every bind.
type Query struct {
	WidgetID        string
	APIURL          string
	DataPath        string // dot-path into the response; "" selects the root
	Fields          []Field
	RefreshInterval time.Duration // 0 = manual refresh only
	Type            normalize.WidgetType
}

// DataView is the render-ready state of one widget. The flags are informative
// but not mutually exclusive: IsFetching can be true while HasData still
// holds the previous payload, and IsError rides along with stale data.
type DataView struct {
	List   []normalize.Row
	Single normalize.Row

	// IsLoading is true while fetching with nothing cached yet.
	IsLoading bool
	// IsFetching is true during any fetch, cached data or not.
	IsFetching bool
	IsError    bool
	Error      *classify.Error
	// HasData is true once any successful fetch has been cached.
	HasData bool
	// IsEmpty is true after a successful load that produced zero rows.
	IsEmpty bool
}

// Binding ties one widget query to the shared cache for its lifetime.
type Binding struct {
	cache  *cache.Cache
	query  Query
	handle *cache.Handle
}

// Bind subscribes the widget to the shared cache. Close must be called when
// the widget unmounts.
func Bind(c *cache.Cache, q Query) *Binding {
	h := c.Subscribe(q.APIURL, q.WidgetID, q.RefreshInterval)
	return &Binding{cache: c, query: q, handle: h}
}

// Updates signals that the underlying cache entry changed and View should be
// called again.
func (b *Binding) Updates() <-chan struct{} { return b.handle.Updates() }

// Refetch forces an immediate refresh of the widget's URL, shared with every
// other widget on the same URL.
func (b *Binding) Refetch() { b.cache.Refresh(b.query.APIURL) }

// Wait blocks until the widget's first fetch settles or ctx is done.
func (b *Binding) Wait(ctx context.Context) error {
	return b.cache.WaitSettled(ctx, b.query.APIURL)
}

// Close unsubscribes the widget.
func (b *Binding) Close() { b.cache.Unsubscribe(b.handle) }

// Query returns the bound configuration.
func (b *Binding) Query() Query { return b.query }

// View composes the current render state from the cache snapshot.
func (b *Binding) View() DataView {
	return compose(b.query, b.cache.GetSnapshot(b.query.APIURL))
}

func compose(q Query, snap cache.Snapshot) DataView {
	hasData := snap.RawData != nil

	v := DataView{
		IsFetching: snap.State == cache.StateFetching,
		IsError:    snap.LastError != nil,
		Error:      snap.LastError,
		HasData:    hasData,
	}
	v.IsLoading = !hasData && (snap.State == cache.StateFetching || snap.State == cache.StateIdle)

	if !hasData {
		v.List = []normalize.Row{}
		return v
	}

	extracted, found := jsonpath.Get(snap.RawData, q.DataPath)
	if !found {
		extracted = nil
	}

	res := normalize.Normalize(q.Type, extracted)
	v.List = make([]normalize.Row, len(res.List))
	for i, row := range res.List {
		v.List[i] = project(row, q.Fields)
	}
	if res.Single != nil {
		v.Single = project(res.Single, q.Fields)
	}
	v.IsEmpty = !v.IsError && len(v.List) == 0 && v.Single == nil
	return v
}

// project copies each configured field's extracted value onto a copy of the
// row under the field's key. Fields are additive: unrelated row data is left
// intact, and a field whose path resolves nowhere adds nothing.
func project(row normalize.Row, fields []Field) normalize.Row {
	out := make(normalize.Row, len(row)+len(fields))
	for k, val := range row {
		out[k] = val
	}
	for _, f := range fields {
		if val, ok := jsonpath.Get(map[string]any(row), f.Key); ok {
			out[f.Key] = val
		}
	}
	return out
}

// DisplayLabel returns the label to render for a field, falling back to the
// key when no label is configured.
func (f Field) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}

// FormatValue renders a projected value according to a field's format hint:
// "number" or "number:<precision>", "percent", "currency" or
// "currency:<symbol>". Any other hint, or a value that is not numeric, falls
// back to plain printing.
func FormatValue(v any, format string) string {
	if v == nil {
		return "-"
	}

	kind, arg, _ := strings.Cut(format, ":")
	switch kind {
	case "number":
		f, ok := asFloat(v)
		if !ok {
			return fmt.Sprintf("%v", v)
		}
		prec := 2
		if p, err := strconv.Atoi(arg); err == nil && p >= 0 {
			prec = p
		}
		return strconv.FormatFloat(f, 'f', prec, 64)
	case "percent":
		f, ok := asFloat(v)
		if !ok {
			return fmt.Sprintf("%v", v)
		}
		return strconv.FormatFloat(f, 'f', 2, 64) + "%"
	case "currency":
		f, ok := asFloat(v)
		if !ok {
			return fmt.Sprintf("%v", v)
		}
		sym := "$"
		if arg != "" {
			sym = arg
		}
		return sym + strconv.FormatFloat(f, 'f', 2, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
