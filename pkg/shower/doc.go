// Package shower defines the types used by the beam shower workflow. It
// contains:
//
//   - Phase and Step: the discrete states of the shower sequence
//   - Params: validated operator inputs (duration and condenser lens values)
//   - Backup and Snapshot: the instrument state captured before a run
//   - Progress: the countdown arithmetic shown while the beam is unblanked
//   - Status: a synthesized view model returned by the HTTP API
//
// These types are shared across daemon, client and TUI code to keep the
// JSON contracts in one place.
package shower
