package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardName(t *testing.T) {
	s := Shard{Table: "docs", Index: 3}
	assert.Equal(t, "shard-00000003", s.Name())
	assert.Equal(t, "docs/shard-00000003", s.String())
	assert.Equal(t, "shard-12345678", ShardName(12345678))
}

func TestParseShardName(t *testing.T) {
	for _, i := range []int{0, 1, 42, 99999999} {
		got, err := ParseShardName(ShardName(i))
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}

	for _, bad := range []string{"", "shard-", "shard-abc", "shard--1", "index-00000001", "00000001"} {
		_, err := ParseShardName(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestValidateTableName(t *testing.T) {
	for _, ok := range []string{"docs", "Docs_2024", "a-b", "0"} {
		assert.NoError(t, ValidateTableName(ok), ok)
	}
	for _, bad := range []string{"", "two words", "dots.not.allowed", "slash/name", "ünicode"} {
		assert.ErrorIs(t, ValidateTableName(bad), ErrValidation, bad)
	}
}

func TestValidateServer(t *testing.T) {
	for _, ok := range []Server{"node-1", "10.0.0.1:8081", "host_a.example"} {
		assert.NoError(t, ValidateServer(ok), ok)
	}
	for _, bad := range []Server{"", "node 1", "node/1"} {
		assert.ErrorIs(t, ValidateServer(bad), ErrValidation, bad)
	}
}
