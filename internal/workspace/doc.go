// Package workspace manages workspace directories for runs, supporting both
// ephemeral (timestamped) and persistent (fixed-path) modes.
//
// Ephemeral mode creates timestamped directories (e.g., conveyor-20260825-122336)
// suitable for one-shot runs, cleaning up completely after use.
//
// Persistent mode uses a fixed directory path (e.g., /data/workspaces/skytemple)
// that persists across runs, enabling incremental fetches instead of full clones.
package workspace
