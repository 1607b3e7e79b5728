// Package scheduler drives a download run in rounds.
//
// Each round admits as many pending products as the accounts have free
// session slots, downloads them concurrently and harvests the results in
// completion order. Accounts that fail at least MaxSessionsPerAccount
// downloads in one round are blacklisted for the rest of the run. The run
// ends once no product is pending.
//
// # Leases
//
// Every download releases its session lease when it finishes, including
// when it panics. Token leases are released after each download and only
// disappear once expired. At the end of the run the remaining session
// leases of the group's accounts are swept.
//
// # Cancellation
//
// Cancelling the context stops new rounds. Downloads already started run to
// completion on a detached context, and products still pending are marked
// failed with the reason "cancelled".
package scheduler
