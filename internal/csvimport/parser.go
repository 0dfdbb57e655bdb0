// Package csvimport turns an uploaded CSV file into validated hospital records.
package csvimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

var (
	requiredColumns = []string{"name", "address"}
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
	validate        = validator.New()
)

// Parse reads the CSV content and returns one record per non-blank data row.
// Rows are numbered from 1, not counting the header.
func Parse(r io.Reader, maxRecords int) ([]models.HospitalCreate, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	content = bytes.TrimPrefix(content, utf8BOM)
	if !utf8.Valid(content) {
		return nil, models.NewValidationError("Invalid CSV file encoding. Please use UTF-8")
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, models.NewValidationError("CSV file is empty or has no headers")
	}
	if err != nil {
		return nil, models.NewValidationError("CSV parsing error: %v", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, models.NewValidationError("Missing required columns: %s", strings.Join(missing, ", "))
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var hospitals []models.HospitalCreate
	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.NewValidationError("CSV parsing error: %v", err)
		}
		if blank(record) {
			continue
		}

		h := models.HospitalCreate{
			Name:    field(record, "name"),
			Address: field(record, "address"),
			Phone:   field(record, "phone"),
		}
		if err := ValidateRecord(row, h); err != nil {
			return nil, err
		}
		hospitals = append(hospitals, h)
	}

	if err := CheckBatchSize(len(hospitals), maxRecords); err != nil {
		return nil, err
	}
	return hospitals, nil
}

// CheckBatchSize rejects empty batches and batches above the maximum
func CheckBatchSize(n, maxRecords int) error {
	if n == 0 {
		return models.NewValidationError("No valid hospital records found in CSV")
	}
	if maxRecords > 0 && n > maxRecords {
		return models.NewValidationError("CSV contains %d hospitals. Maximum allowed is %d", n, maxRecords)
	}
	return nil
}

// ValidateRecord applies the field rules to one record
func ValidateRecord(row int, h models.HospitalCreate) error {
	err := validate.Struct(h)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &models.ValidationError{Row: row, Message: err.Error()}
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required", "min":
		msg = fmt.Sprintf("%s is required", fe.Field())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid", fe.Field())
	}
	return &models.ValidationError{Row: row, Field: strings.ToLower(fe.Field()), Message: msg}
}

// ValidateRecords checks a record list the same way Parse does
func ValidateRecords(records []models.HospitalCreate, maxRecords int) error {
	if err := CheckBatchSize(len(records), maxRecords); err != nil {
		return err
	}
	for i, h := range records {
		if err := ValidateRecord(i+1, h); err != nil {
			return err
		}
	}
	return nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
