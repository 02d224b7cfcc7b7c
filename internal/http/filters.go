package httpx

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// Pagination bounds for list endpoints.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	maxLimit = max(maxLimit, 1)
	lim := min(max(parseIntQuery(r, "limit", defLimit), 1), maxLimit)
	off := max(parseIntQuery(r, "offset", 0), 0)
	return lim, off
}

// splitList accepts both repeated keys and comma separated values.
func splitList(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for part := range strings.SplitSeq(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseTimeQuery(q url.Values, key string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.ValidationField(key, key+" must be an RFC3339 timestamp")
	}
	return &t, nil
}

// ParseRecordFilter builds a RecordFilter from list query parameters:
// status, event_type, created_by, created_after, created_before, columns,
// order (newest|oldest), limit and offset.
func ParseRecordFilter(r *http.Request) (model.RecordFilter, error) {
	q := r.URL.Query()
	var f model.RecordFilter

	for _, s := range splitList(q, "status") {
		var st model.LedgerStatus
		if err := st.UnmarshalText([]byte(s)); err != nil {
			return f, apperrors.ValidationField("status", err.Error())
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.EventType = strings.TrimSpace(q.Get("event_type"))
	if q.Has("created_by") {
		v := strings.TrimSpace(q.Get("created_by"))
		f.CreatedBy = &v
	}

	var err error
	if f.CreatedAfter, err = parseTimeQuery(q, "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTimeQuery(q, "created_before"); err != nil {
		return f, err
	}

	f.Columns = splitList(q, "columns")
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "newest", "desc":
	case "oldest", "asc":
		f.Oldest = true
	default:
		return f, apperrors.ValidationField("order", "order must be newest or oldest")
	}
	f.Limit, f.Offset = ParseLimitOffset(r, DefaultListLimit, MaxListLimit)
	return f, f.Validate()
}
