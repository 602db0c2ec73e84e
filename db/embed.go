// Package db embeds the commerce database schema.
package db

import _ "embed"

// Schema contains the DDL for every commerce table: catalog, discounts,
// baskets, orders, enrollments, and API keys. Idempotent; executed on boot.
//
//go:embed migrations/001_schema.sql
var Schema string
