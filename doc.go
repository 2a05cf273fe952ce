// Package cbsync keeps a local comic library's archive metadata in sync
// with an upstream Kapowarr catalog and ComicVine.
//
// The pipeline has four stages. A Syncer mirrors the upstream volume
// catalog into a SQLite-backed Store, using a cheap count comparison
// (StalenessDetector) to avoid re-enumerating an unchanged catalog. A
// Processor walks each volume's file-bearing issues, fetches metadata
// from ComicVine, and renders a ComicInfo.xml document per issue. A
// Rewriter injects that document into each .cbz archive with a
// crash-safe extract/repack/swap sequence. A Scheduler runs the whole
// thing periodically.
//
// Per-issue progress is tracked in the store so interrupted or repeated
// runs only pay for work not yet done.
//
// Full-text volume search uses SQLite FTS5 and needs the sqlite_fts5
// build tag on mattn/go-sqlite3; without it search degrades to substring
// matching on folder names.
package cbsync
