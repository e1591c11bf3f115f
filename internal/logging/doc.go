// Package logging configures structured logging for kbsync.
// Logs are JSON lines written to stderr and, when a file path is configured
// (or --debug is set), to a size-rotated file under ~/.kbsync/logs/.
package logging
