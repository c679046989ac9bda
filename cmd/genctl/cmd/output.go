package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// structured prints v as JSON or YAML and reports whether it did
func structured(w io.Writer, v interface{}) (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(out))
		return true, err
	case "yaml":
		// round-trip through JSON so field names match the API
		raw, err := json.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal: %w", err)
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return true, enc.Close()
	}
	return false, nil
}

func newTable(w io.Writer, headers ...interface{}) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(headers...)
	return table
}

func money(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func tsPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return ts(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
