package migrations

import "embed"

// EventsFS holds the event window schema.
//
//go:embed events/*.sql
var EventsFS embed.FS

// AuditFS holds the audit decision schema.
//
//go:embed audit/*.sql
var AuditFS embed.FS
