package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// CSV renders the statement as comment-prefixed header rows followed by one
// row per feature.
func CSV(s *Statement) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"# Code-X Usage Statement"},
		{"# Account:", s.UserID},
		{"# Plan:", s.PlanName},
		{"# Status:", s.Status},
		{"# Period:", s.periodText()},
		{"# Generated:", s.GeneratedAt.Format(time.RFC3339)},
		{""},
		{"feature", "name", "used", "limit", "state"},
	}
	for _, l := range s.Lines {
		rows = append(rows, []string{l.Feature, l.Name, strconv.Itoa(l.Used), l.LimitText(), l.State})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}
