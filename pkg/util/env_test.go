package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOr(t *testing.T) {
	tests := []struct {
		name  string
		value *string
		want  string
	}{
		{name: "unset", want: "fallback"},
		{name: "blank", value: ptr("  "), want: "fallback"},
		{name: "set", value: ptr("/etc/sqlgate.yaml"), want: "/etc/sqlgate.yaml"},
		{name: "trimmed", value: ptr(" gw.yaml\n"), want: "gw.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != nil {
				t.Setenv("SQLGATE_TEST_ENV", *tt.value)
			}
			assert.Equal(t, tt.want, EnvOr("SQLGATE_TEST_ENV", "fallback"))
		})
	}
}

func ptr(s string) *string { return &s }
