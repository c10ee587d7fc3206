// Package db embeds the database schema applied at startup.
package db

import _ "embed"

// Schema contains the DDL for promo codes, the redemption ledger and API keys.
// Every statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
