/*
cbsync keeps comic archive metadata in sync with Kapowarr and ComicVine.

# Usage

	cbsync <command> [options]

# Commands

	run        Start the sync daemon (periodic refresh + processing)
	sync       Refresh the volume catalog from Kapowarr
	process    Fetch metadata and inject ComicInfo.xml for a volume
	inject     Inject a ComicInfo.xml file into one archive
	status     Show volume and issue processing status
	search     Search cached volumes (full-text search)
	cache      Inspect or clear the local catalog cache
	migrate    Create or rebuild the local database

# Environment

	CBSYNC_KAPOWARR_URL        Kapowarr base URL
	CBSYNC_KAPOWARR_API_KEY    Kapowarr API key
	CBSYNC_COMICVINE_API_KEY   ComicVine API key
	CBSYNC_DATABASE_PATH       SQLite database path (default: cbsync.db)

All settings can also come from a config file passed with --config.
*/
package main
