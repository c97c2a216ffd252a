package querycache

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Filters narrows a dashboard query: a date range and optional dimension
// filters such as supplier, technician or account.
type Filters map[string]any

// Filter names understood by DashboardFilters.
const (
	FilterFrom       = "from"
	FilterTo         = "to"
	FilterSupplier   = "supplier_id"
	FilterTechnician = "technician_id"
	FilterAccount    = "account_id"
	FilterStatus     = "status"
)

// DashboardFilters is the filter bar of the claims dashboard.
type DashboardFilters struct {
	From         time.Time
	To           time.Time
	SupplierID   string
	TechnicianID string
	AccountID    string
	Status       string
}

// Filters converts f, leaving out zero fields.
func (f DashboardFilters) Filters() Filters {
	out := Filters{}
	if !f.From.IsZero() {
		out[FilterFrom] = f.From
	}
	if !f.To.IsZero() {
		out[FilterTo] = f.To
	}
	if f.SupplierID != "" {
		out[FilterSupplier] = f.SupplierID
	}
	if f.TechnicianID != "" {
		out[FilterTechnician] = f.TechnicianID
	}
	if f.AccountID != "" {
		out[FilterAccount] = f.AccountID
	}
	if f.Status != "" {
		out[FilterStatus] = f.Status
	}
	return out
}

// Key derives the cache key of a query. Filters that are equal by value
// produce the same key whatever order they were built in.
func Key(name string, filters Filters) string {
	hex := strconv.FormatUint(xxhash.Sum64(canonical(filters)), 16)

	var b strings.Builder
	b.Grow(len(name) + 1 + digestLen)
	b.WriteString(name)
	b.WriteByte(':')
	b.WriteString(strings.Repeat("0", digestLen-len(hex)))
	b.WriteString(hex)
	return b.String()
}

// digestLen is the fixed width of the hex digest ending every key.
const digestLen = 16

// keyPrefix is the part of every Key(name, ...) before the digest.
func keyPrefix(name string) string {
	return name + ":"
}

// ownsKey reports whether key was derived by Key for query name. Names may
// contain ':'; the fixed digest width keeps "costs" from claiming keys of
// "costs:by-supplier".
func ownsKey(name, key string) bool {
	rest, ok := strings.CutPrefix(key, keyPrefix(name))
	return ok && len(rest) == digestLen
}

// canonical encodes filters as JSON with object keys sorted at every depth
// and times normalised to UTC.
func canonical(filters Filters) []byte {
	if len(filters) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(normalize(map[string]any(filters)))
	if err != nil {
		// Unencodable values still need a stable key; fall back to the
		// formatted form of the sorted pairs.
		return []byte(fallback(filters))
	}
	return data
}

func normalize(v any) any {
	switch t := v.(type) {
	case Filters:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func fallback(filters Filters) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(filters)) {
		fmt.Fprintf(&b, "%s=%v;", k, normalize(filters[k]))
	}
	return b.String()
}
