/*
Package watchdog runs the daemon's background maintenance loops: rotating
the accepted auth token when the token file changes on disk, sweeping idle
sessions, and writing the periodic health file that shims and the status
command read. The health file is written atomically so a concurrent reader
never sees a partial payload.
*/
package watchdog
