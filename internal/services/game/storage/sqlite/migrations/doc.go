// Package migrations embeds SQL migration scripts used by the SQLite backend.
//
// Each purpose (event window, audit decisions) keeps its own directory so a
// database opened for one purpose only receives that schema.
package migrations
