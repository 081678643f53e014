package tables

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// jsonRow is the line format accepted by DecodeJSONRows.
type jsonRow struct {
	Time   *time.Time         `json:"time"`
	Tags   map[string]string  `json:"tags"`
	Fields map[string]float64 `json:"fields"`
}

// DecodeJSONRows reads newline-delimited JSON rows. Rows without a
// timestamp are stamped with now.
func DecodeJSONRows(r io.Reader, now time.Time) ([]Row, error) {
	dec := json.NewDecoder(r)
	var rows []Row
	for line := 1; ; line++ {
		var jr jsonRow
		if err := dec.Decode(&jr); err != nil {
			if errors.Is(err, io.EOF) {
				return rows, nil
			}
			return nil, fmt.Errorf("decode row %d: %w", line, err)
		}

		row := Row{Time: now, Tags: jr.Tags, Fields: jr.Fields}
		if jr.Time != nil {
			row.Time = jr.Time.UTC()
		}
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}
