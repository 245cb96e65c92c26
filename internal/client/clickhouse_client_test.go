package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"clickhouse.internal":             "clickhouse.internal:9000",
		"http://clickhouse.internal/":     "clickhouse.internal:9000",
		"https://clickhouse.internal":     "clickhouse.internal:9440",
		"https://clickhouse.internal:8443": "clickhouse.internal:8443",
		"10.0.0.5:9001":                   "10.0.0.5:9001",
	}
	for in, want := range tests {
		assert.Equal(t, want, hostPort(in), in)
	}
}
