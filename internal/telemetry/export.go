package telemetry

import (
	"encoding/csv"
	"io"
	"strconv"

	"codeberg.org/mutker/balancectl/internal/errors"
)

// ExportCSV writes a header of "timestamp" plus the selected fields and
// one row per record. With no fields selected every field is exported.
func ExportCSV(w io.Writer, s *Schema, records []Record, fields []string) error {
	errFactory := errors.New()

	if len(fields) == 0 {
		for _, f := range s.Fields() {
			fields = append(fields, f.Name)
		}
	}

	idx := make([]int, len(fields))
	for i, name := range fields {
		j, ok := s.Index(name)
		if !ok {
			return errFactory.WithData(ErrUnknownField, name)
		}
		idx[i] = j
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"timestamp"}, fields...)); err != nil {
		return err
	}

	row := make([]string, len(fields)+1)
	for _, rec := range records {
		if len(rec.Values) != s.Len() {
			return errFactory.WithData(ErrRecordMismatch, rec.Timestamp)
		}
		row[0] = strconv.FormatFloat(rec.Timestamp, 'f', -1, 64)
		for i, j := range idx {
			row[i+1] = formatValue(rec.Values[j])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return ""
	}
}
