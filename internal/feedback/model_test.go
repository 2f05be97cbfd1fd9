package feedback

import (
	"errors"
	"strings"
	"testing"
)

func TestNewSubjectIDValidation(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectError error
		expected    string
	}{
		{name: "valid", input: "survey-1", expected: "survey-1"},
		{name: "trims-whitespace", input: "  survey-1  ", expected: "survey-1"},
		{name: "empty", input: "", expectError: ErrInvalidSubjectID},
		{name: "whitespace-only", input: "   ", expectError: ErrInvalidSubjectID},
		{name: "too-long", input: strings.Repeat("s", maxIdentifierLength+1), expectError: ErrInvalidSubjectID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewSubjectID(tt.input)
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Fatalf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, id.String())
			}
		})
	}
}

func TestNewVisitorIDValidation(t *testing.T) {
	if _, err := NewVisitorID(""); !errors.Is(err, ErrInvalidVisitorID) {
		t.Fatalf("expected ErrInvalidVisitorID, got %v", err)
	}
	id, err := NewVisitorID("v-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "v-123" {
		t.Fatalf("unexpected id: %q", id.String())
	}
}
