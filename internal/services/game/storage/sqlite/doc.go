// Package sqlite implements game persistence contracts on an embedded SQLite
// database: the journal's trailing event window and the audit decision log.
//
// Each store is opened for one purpose and receives only that purpose's
// embedded migrations.
package sqlite
