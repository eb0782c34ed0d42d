// Package stores persists lfsync state in SQLite: the session journal and
// its event timeline, the transcoded container cache behind luigi.Cache, and
// the registry of devices seen at discovery. Schema changes ship as embedded
// migrations applied with golang-migrate.
package stores
