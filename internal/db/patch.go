package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field names a persisted queue item field that can be patched
type Field string

const (
	FieldType              Field = "type"
	FieldStatus            Field = "status"
	FieldPrompt            Field = "prompt"
	FieldRemaining         Field = "remaining"
	FieldTotalCount        Field = "totalCount"
	FieldSourceID          Field = "sourceId"
	FieldBranch            Field = "branch"
	FieldScheduledAt       Field = "scheduledAt"
	FieldScheduledTimeZone Field = "scheduledTimeZone"
	FieldRetryOnFailure    Field = "retryOnFailure"
	FieldRetryCount        Field = "retryCount"
	FieldLastError         Field = "lastError"
	FieldError             Field = "error"
	FieldLastAttemptAt     Field = "lastAttemptAt"
	FieldActivatedAt       Field = "activatedAt"
	FieldUpdatedAt         Field = "updatedAt"
	FieldAutoOpen          Field = "autoOpen"
)

type deleteMarker struct{}

// Delete is the tombstone marker: a patch value of Delete removes the field
// instead of writing an empty value.
var Delete = deleteMarker{}

// Patch is a field-level partial update of a queue item
type Patch map[Field]any

type column struct {
	name     string
	nullable bool
}

var columns = map[Field]column{
	FieldType:              {"type", false},
	FieldStatus:            {"status", false},
	FieldPrompt:            {"prompt", true},
	FieldRemaining:         {"remaining", true},
	FieldTotalCount:        {"total_count", true},
	FieldSourceID:          {"source_id", false},
	FieldBranch:            {"branch", false},
	FieldScheduledAt:       {"scheduled_at", true},
	FieldScheduledTimeZone: {"scheduled_time_zone", true},
	FieldRetryOnFailure:    {"retry_on_failure", false},
	FieldRetryCount:        {"retry_count", false},
	FieldLastError:         {"last_error", true},
	FieldError:             {"error", true},
	FieldLastAttemptAt:     {"last_attempt_at", true},
	FieldActivatedAt:       {"activated_at", true},
	FieldUpdatedAt:         {"updated_at", true},
	FieldAutoOpen:          {"auto_open", false},
}

// assignments renders the patch as a SET clause with positional args.
// Fields are emitted in sorted order so the generated SQL is stable.
func (p Patch) assignments() (string, []any, error) {
	if len(p) == 0 {
		return "", nil, fmt.Errorf("empty patch")
	}

	fields := make([]string, 0, len(p))
	for f := range p {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, name := range fields {
		f := Field(name)
		col, ok := columns[f]
		if !ok {
			return "", nil, fmt.Errorf("unknown field %q", f)
		}

		v, err := encodeValue(f, col, p[f])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, col.name+" = ?")
		args = append(args, v)
	}

	return strings.Join(sets, ", "), args, nil
}

func encodeValue(f Field, col column, v any) (any, error) {
	switch val := v.(type) {
	case deleteMarker:
		if !col.nullable {
			return nil, fmt.Errorf("field %q cannot be deleted", f)
		}
		return nil, nil
	case []Subtask:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f, err)
		}
		return string(data), nil
	case time.Time:
		return val.UTC(), nil
	case ItemType:
		return string(val), nil
	case ItemStatus:
		return string(val), nil
	case string, int, bool:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported value %T for field %q", v, f)
	}
}
