package csvimport

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/hospital-bulk-go/internal/models"
)

func TestParse(t *testing.T) {
	input := "\xEF\xBB\xBFname,address,phone\n" +
		"General Hospital, 1 Main St ,555-0100\n" +
		",,\n" +
		"City Clinic,2 Oak Ave,\n"

	hospitals, err := Parse(strings.NewReader(input), 20)
	require.NoError(t, err)
	require.Len(t, hospitals, 2)
	assert.Equal(t, models.HospitalCreate{Name: "General Hospital", Address: "1 Main St", Phone: "555-0100"}, hospitals[0])
	assert.Equal(t, "", hospitals[1].Phone)
}

func TestParse_HeaderCaseAndMissingPhoneColumn(t *testing.T) {
	hospitals, err := Parse(strings.NewReader("Address,Name\n1 Main St,General\n"), 20)
	require.NoError(t, err)
	require.Len(t, hospitals, 1)
	assert.Equal(t, "General", hospitals[0].Name)
	assert.Equal(t, "1 Main St", hospitals[0].Address)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		message string
		row     int
	}{
		{"empty", "", 20, "CSV file is empty or has no headers", 0},
		{"missing column", "name,phone\nx,1\n", 20, "Missing required columns: address", 0},
		{"no rows", "name,address\n\n", 20, "No valid hospital records found in CSV", 0},
		{"missing name", "name,address\nA,B\n,C\n", 20, "Row 2: Name is required", 2},
		{"missing address", "name,address\nA,\n", 20, "Row 1: Address is required", 1},
		{"phone too long", "name,address,phone\nA,B,123456789012345678901\n", 20, "Row 1: Phone must be at most 20 characters", 1},
		{"too many", "name,address\nA,B\nC,D\nE,F\n", 2, "CSV contains 3 hospitals. Maximum allowed is 2", 0},
		{"bad encoding", "name,address\n\xff\xfe,B\n", 20, "Invalid CSV file encoding. Please use UTF-8", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), tt.max)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidInput))

			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.message, verr.Error())
			assert.Equal(t, tt.row, verr.Row)
		})
	}
}

func TestParse_NameTooLong(t *testing.T) {
	input := fmt.Sprintf("name,address\n%s,B\n", strings.Repeat("n", 256))
	_, err := Parse(strings.NewReader(input), 20)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)
	assert.Equal(t, "Name must be at most 255 characters", verr.Message)
}

func TestValidateRecords(t *testing.T) {
	assert.NoError(t, ValidateRecords([]models.HospitalCreate{{Name: "a", Address: "b"}}, 1))
	assert.Error(t, ValidateRecords(nil, 1))
	assert.Error(t, ValidateRecords([]models.HospitalCreate{{Name: "a", Address: "b"}, {Name: "c", Address: "d"}}, 1))

	err := ValidateRecords([]models.HospitalCreate{{Name: "a", Address: "b"}, {Name: "c"}}, 5)
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Row)
}
