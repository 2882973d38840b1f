package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.Required("password", "pw"))
	assert.False(t, v.Required("name", "   "))
	assert.False(t, v.MaxLength("name", strings.Repeat("a", 65), 64))
	assert.True(t, v.UUID("id", "8c1f4d1e-9a52-4c1b-b0a8-2d3c4e5f6a7b"))
	assert.False(t, v.UUID("id", "not-a-uuid"))
	assert.False(t, v.Exclusive(map[string]string{"mnemonic": "a b c", "private_key": "0x11"}))
	assert.True(t, v.Exclusive(map[string]string{"mnemonic": "a b c", "private_key": ""}))
	assert.False(t, v.OneOf("family", "solana", []string{"evm", "sui"}))

	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 5)
}

func TestValidator_Duration(t *testing.T) {
	tests := []struct {
		value      string
		allowNever bool
		want       time.Duration
		ok         bool
	}{
		{value: "15m", want: 15 * time.Minute, ok: true},
		{value: "never", allowNever: true, ok: true},
		{value: "never", ok: false},
		{value: "-1s", ok: false},
		{value: "soon", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			d, ok := NewValidator().Duration("timeout", tt.value, tt.allowNever)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidationError(rec, ValidationErrors{{Field: "id", Message: "is required"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_PARAMS", body["code"])
	assert.Equal(t, "id: is required", body["message"])
}

func TestValidateJSON_UnknownFields(t *testing.T) {
	var dst struct {
		ID string `json:"id"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"1","extra":true}`))
	assert.Error(t, ValidateJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"1"}`))
	require.NoError(t, ValidateJSON(req, &dst))
	assert.Equal(t, "1", dst.ID)
}
