package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    string `json:"id" validate:"required"`
	Inner struct {
		Kind string `json:"kind" validate:"oneof=a b"`
	} `json:"inner"`
}

func TestValidateStruct_ReportsJSONFieldNames(t *testing.T) {
	err := ValidateStruct(sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample.id: required")
	assert.Contains(t, err.Error(), "sample.inner.kind: oneof")

	ok := sample{ID: "x"}
	ok.Inner.Kind = "a"
	assert.NoError(t, ValidateStruct(ok))
}
