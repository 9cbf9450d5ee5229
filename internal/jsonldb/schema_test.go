package jsonldb

import (
	"testing"
	"time"
)

func TestSchemaHeader(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			tests := []struct {
				name   string
				header schemaHeader
			}{
				{
					"minimal valid header",
					schemaHeader{Version: "1.0", Columns: []column{}},
				},
				{
					"version 1.1",
					schemaHeader{Version: "1.1", Columns: []column{}},
				},
				{
					"header with columns",
					schemaHeader{
						Version: "1.0",
						Columns: []column{
							{Name: "id", Type: columnTypeNumber, Required: true},
							{Name: "name", Type: columnTypeText},
						},
					},
				},
				{
					"header with description",
					schemaHeader{
						Version: "1.0",
						Columns: []column{
							{Name: "id", Type: columnTypeNumber, Required: true, Description: "Primary key"},
						},
					},
				},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					if err := tt.header.Validate(); err != nil {
						t.Errorf("Validate() error = %v, want nil", err)
					}
				})
			}
		})

		t.Run("errors", func(t *testing.T) {
			tests := []struct {
				name   string
				header schemaHeader
			}{
				{
					"empty version",
					schemaHeader{Version: "", Columns: []column{}},
				},
				{
					"unsupported version 2.0",
					schemaHeader{Version: "2.0", Columns: []column{}},
				},
				{
					"unsupported version 0.9",
					schemaHeader{Version: "0.9", Columns: []column{}},
				},
				{
					"column with empty name",
					schemaHeader{
						Version: "1.0",
						Columns: []column{{Name: "", Type: columnTypeText}},
					},
				},
				{
					"column with empty type",
					schemaHeader{
						Version: "1.0",
						Columns: []column{{Name: "id", Type: ""}},
					},
				},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					if err := tt.header.Validate(); err == nil {
						t.Error("Validate() expected error, got nil")
					}
				})
			}
		})
	})
}

// schemaRow exercises every column type mapping.
type schemaRow struct {
	ID      ID                `json:"id" jsonschema:"description=Primary key"`
	Name    string            `json:"name"`
	Score   float64           `json:"score,omitempty"`
	Flag    bool              `json:"flag"`
	Created time.Time         `json:"created"`
	Ref     BlobRef           `json:"ref"`
	Tags    map[string]string `json:"tags,omitempty"`
	Skipped string            `json:"-"`
}

func TestSchemaFromType(t *testing.T) {
	columns, err := schemaFromType[*schemaRow]()
	if err != nil {
		t.Fatalf("schemaFromType error: %v", err)
	}

	want := []column{
		{Name: "id", Type: columnTypeNumber, Required: true, Description: "Primary key"},
		{Name: "name", Type: columnTypeText, Required: true},
		{Name: "score", Type: columnTypeNumber},
		{Name: "flag", Type: columnTypeBool, Required: true},
		{Name: "created", Type: columnTypeDate, Required: true},
		{Name: "ref", Type: columnTypeBlobRef, Required: true},
		{Name: "tags", Type: columnTypeJSONB},
	}
	if len(columns) != len(want) {
		t.Fatalf("schemaFromType returned %d columns, want %d: %+v", len(columns), len(want), columns)
	}
	for i, col := range columns {
		if col != want[i] {
			t.Errorf("column %d = %+v, want %+v", i, col, want[i])
		}
	}
}

func TestSchemaFromTypeNonStruct(t *testing.T) {
	if _, err := schemaFromType[int](); err == nil {
		t.Error("schemaFromType[int]() expected error, got nil")
	}
}
