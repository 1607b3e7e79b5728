// Package admission decides which pending products may start downloading
// in a scheduling round.
//
// Each account of the group is granted at most MaxSessionsPerAccount
// concurrent downloads. A grant is backed by a session lease created in the
// lease store, so several processes sharing the store never exceed the cap
// together.
package admission
