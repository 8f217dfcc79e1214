// Package dataset validates training dataset files (.jsonl, .json, .csv)
// before a run, detecting the text field and basic quality problems.
package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// textFieldCandidates are checked in order; the first present wins.
var textFieldCandidates = []string{"text", "prompt", "instruction", "input", "question", "content", "message"}

const (
	previewLimit = 5
	largeFileMB  = 1000
)

// Stats summarizes a validated dataset. Text lengths are measured in
// characters on the detected text field.
type Stats struct {
	RowCount          int      `json:"row_count"`
	Fields            []string `json:"fields"`
	DetectedTextField string   `json:"detected_text_field"`
	AvgTextLength     float64  `json:"avg_text_length"`
	MinTextLength     int      `json:"min_text_length"`
	MaxTextLength     int      `json:"max_text_length"`
}

// Result is the outcome of validating one dataset file.
type Result struct {
	Valid    bool             `json:"valid"`
	Errors   []string         `json:"errors"`
	Warnings []string         `json:"warnings"`
	Stats    *Stats           `json:"stats,omitempty"`
	Preview  []map[string]any `json:"preview"`
}

// Validate checks the dataset file at path. It never returns an error;
// problems are reported in the result so callers can show all of them.
func Validate(path string) *Result {
	res := &Result{Errors: []string{}, Warnings: []string{}, Preview: []map[string]any{}}

	info, err := os.Stat(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("File not found: %s", path))
		return res
	}
	if sizeMB := float64(info.Size()) / (1024 * 1024); sizeMB > largeFileMB {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Large file (%.1fMB) - training may be slow", sizeMB))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		validateJSONL(path, res)
	case ".json":
		validateJSON(path, res)
	case ".csv":
		validateCSV(path, res)
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("Unsupported file format: %s", filepath.Ext(path)))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// Record converts a validation result into a registry row.
func Record(path, source string, res *Result) *domain.Dataset {
	d := &domain.Dataset{
		Name:      filepath.Base(path),
		Path:      path,
		Source:    source,
		Validated: res.Valid,
	}
	if info, err := os.Stat(path); err == nil {
		d.SizeBytes = info.Size()
	}
	if res.Stats != nil {
		rc := res.Stats.RowCount
		d.RowCount = &rc
		d.Fields = res.Stats.Fields
	}
	if len(res.Errors) > 0 {
		d.ValidationErrors = strings.Join(res.Errors, "; ")
	}
	return d
}

// accumulator collects field names and text lengths across rows.
type accumulator struct {
	fieldSeen   map[string]bool
	fields      []string
	textLengths []int
}

func newAccumulator() *accumulator {
	return &accumulator{fieldSeen: make(map[string]bool)}
}

func (a *accumulator) addRow(row map[string]any) {
	for _, cand := range textFieldCandidates {
		if v, ok := row[cand]; ok {
			if s, isStr := v.(string); isStr {
				a.textLengths = append(a.textLengths, utf8.RuneCountInString(s))
			}
			break
		}
	}
	for k := range row {
		if !a.fieldSeen[k] {
			a.fieldSeen[k] = true
			a.fields = append(a.fields, k)
		}
	}
}

func (a *accumulator) sortedFields() []string {
	fields := append([]string{}, a.fields...)
	sort.Strings(fields)
	return fields
}

func detectTextField(fields []string) string {
	for _, cand := range textFieldCandidates {
		for _, f := range fields {
			if f == cand {
				return cand
			}
		}
	}
	return ""
}

// finish applies the row-count, text-field and length checks shared by all
// formats. An empty detected field clears the preview so callers never see
// rows from an unusable dataset.
func finish(res *Result, acc *accumulator, rowCount int, fields []string) {
	if rowCount == 0 {
		res.Errors = append(res.Errors, "Dataset is empty")
		return
	}
	if rowCount < 10 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Very small dataset (%d examples) - may not train well", rowCount))
	}

	detected := detectTextField(fields)
	if detected == "" {
		res.Errors = append(res.Errors,
			fmt.Sprintf("No text field found. Expected one of: %s", strings.Join(textFieldCandidates, ", ")),
			fmt.Sprintf("Found fields: %s", strings.Join(fields, ", ")),
		)
		res.Preview = []map[string]any{}
		return
	}

	if len(acc.textLengths) == 0 {
		return
	}
	sum := 0
	minLen, maxLen := acc.textLengths[0], acc.textLengths[0]
	for _, l := range acc.textLengths {
		sum += l
		if l < minLen {
			minLen = l
		}
		if l > maxLen {
			maxLen = l
		}
	}
	avg := float64(sum) / float64(len(acc.textLengths))

	if avg < 10 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Very short texts (avg %.0f chars) - may not train well", avg))
	}
	if maxLen > 4096 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Some texts very long (max %d chars) - may be truncated", maxLen))
	}

	res.Stats = &Stats{
		RowCount:          rowCount,
		Fields:            fields,
		DetectedTextField: detected,
		AvgTextLength:     math.Round(avg*10) / 10,
		MinTextLength:     minLen,
		MaxTextLength:     maxLen,
	}
}

// validateJSONL reads line-delimited JSON. Parse errors are reported with
// their line number for the first previewLimit lines; later lines are
// parsed best-effort for the stats and still count toward the row total.
func validateJSONL(path string, res *Result) {
	f, err := os.Open(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Error reading JSONL file: %v", err))
		return
	}
	defer f.Close()

	acc := newAccumulator()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(scanner.Text())), &v); err != nil {
			if line <= previewLimit {
				res.Errors = append(res.Errors, fmt.Sprintf("Invalid JSON on line %d: %v", line, err))
			}
			continue
		}
		row, ok := v.(map[string]any)
		if !ok {
			if line <= previewLimit {
				res.Errors = append(res.Errors, fmt.Sprintf("Line %d is not a JSON object", line))
			}
			continue
		}
		acc.addRow(row)
		if line <= previewLimit {
			res.Preview = append(res.Preview, row)
		}
	}
	if err := scanner.Err(); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Error reading JSONL file: %v", err))
		return
	}

	finish(res, acc, line, acc.sortedFields())
}

func validateJSON(path string, res *Result) {
	data, err := os.ReadFile(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Error reading JSON file: %v", err))
		return
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	items, ok := v.([]any)
	if !ok {
		res.Errors = append(res.Errors, "JSON file must contain an array of objects")
		return
	}
	if len(items) == 0 {
		res.Errors = append(res.Errors, "Dataset is empty")
		return
	}

	acc := newAccumulator()
	for i, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("Item %d is not a JSON object", i))
			continue
		}
		acc.addRow(row)
		if len(res.Preview) < previewLimit {
			res.Preview = append(res.Preview, row)
		}
	}

	finish(res, acc, len(items), acc.sortedFields())
}

func validateCSV(path string, res *Result) {
	f, err := os.Open(path)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Error reading CSV file: %v", err))
		return
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		res.Errors = append(res.Errors, "CSV has no header row")
		return
	}
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Error reading CSV file: %v", err))
		return
	}

	acc := newAccumulator()
	rowCount := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Error reading CSV file: %v", err))
			return
		}
		rowCount++
		row := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = record[i]
			}
		}
		acc.addRow(row)
		if rowCount <= previewLimit {
			res.Preview = append(res.Preview, row)
		}
	}

	finish(res, acc, rowCount, header)
}
