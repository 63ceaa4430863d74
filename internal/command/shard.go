package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ShardPrefix is the prefix of every shard directory and shard name.
const ShardPrefix = "shard-"

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
	serverPattern     = regexp.MustCompile(`^[a-zA-Z0-9_.:\-]+$`)
)

// Shard identifies one partition of a table's index.
type Shard struct {
	Table string `json:"table"`
	Index int    `json:"index"`
}

// Name returns the canonical shard name, e.g. "shard-00000003".
func (s Shard) Name() string {
	return ShardName(s.Index)
}

func (s Shard) String() string {
	return s.Table + "/" + s.Name()
}

// Server identifies a process hosting shards. In a running cluster this is
// the node ID the node registered with.
type Server string

func (s Server) String() string {
	return string(s)
}

// ShardName formats a shard index as a zero padded shard name.
func ShardName(index int) string {
	return fmt.Sprintf("%s%08d", ShardPrefix, index)
}

// ParseShardName is the inverse of ShardName.
func ParseShardName(name string) (int, error) {
	if !strings.HasPrefix(name, ShardPrefix) {
		return 0, &ValidationError{Field: "shard", Value: name, Reason: "missing " + ShardPrefix + " prefix"}
	}
	index, err := strconv.Atoi(strings.TrimPrefix(name, ShardPrefix))
	if err != nil || index < 0 {
		return 0, &ValidationError{Field: "shard", Value: name, Reason: "not a shard index"}
	}
	return index, nil
}

// ValidateTableName checks name against the table identifier grammar [A-Za-z0-9_-]+.
func ValidateTableName(name string) error {
	if !identifierPattern.MatchString(name) {
		return &ValidationError{Field: "table", Value: name, Reason: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// ValidateServer checks a server identifier.
func ValidateServer(s Server) error {
	if !serverPattern.MatchString(string(s)) {
		return &ValidationError{Field: "server", Value: string(s), Reason: "must match [A-Za-z0-9_.:-]+"}
	}
	return nil
}
