// Package bri implements the CRUD router: the five verb methods (Add,
// Get, Set, Del, Sub), group/singular dispatch by a trailing "S" on the
// type name, and the subscription channel naming convention db:sub:<type>.
package bri

import (
	"github.com/bri-db/bri/kv"
	"github.com/bri-db/bri/middleware"
)

// Config configures a DB.
type Config struct {
	KV         kv.Config
	Chain      *middleware.Chain
	Validators map[string]Validator
}

// Validator validates data against a user-supplied schema before Add/Set/
// Save persist it. Not part of the core guarantee; exercised only through
// the middleware chain's contract.
type Validator func(schema any, data map[string]any) error
