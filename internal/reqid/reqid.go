// Package reqid generates per-request correlation ids.
package reqid

import "github.com/google/uuid"

// Generator is the RequestIdGen collaborator named in the external
// interfaces contract.
type Generator interface {
	Next() string
}

// UUIDGenerator produces opaque request ids as UUIDv4 strings prefixed
// for easy grepping in logs, replacing the teacher's timestamp+rand
// scheme (middleware/cors.go's generateRequestID) with a real id space.
type UUIDGenerator struct {
	prefix string
}

func NewUUIDGenerator(prefix string) *UUIDGenerator {
	return &UUIDGenerator{prefix: prefix}
}

func (g *UUIDGenerator) Next() string {
	if g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + "_" + uuid.NewString()
}
