// Package git materializes repository checkouts for workflow runs.
//
// The client handles:
//   - Cloning at a branch or tag ref with authentication (SSH, token, basic)
//   - Refreshing persistent clones via fetch and forced checkout
//   - Detached checkout at an exact commit when the triggering event names one
//   - Retry of transient transport failures per the configured policy
//   - Raw HEAD resolution for local runs that skip checkout entirely
package git
