// Package lease provides durable leases shared between cooperating download
// processes.
//
// Two kinds of leases exist:
//   - Token leases hold a bearer token minted for one account. They are keyed
//     by login and issuance time so that any process can tell whether a token
//     is still inside its validity window without reading it.
//   - Session leases mark one occupied download slot of an account. They are
//     keyed by login and product name.
//
// # Storage Layout
//
//	token/{login}/{YYYYMMDDtHHMMSS}
//	session/{login}/{product name}
//
// # Backends
//
// A [Store] is opened from a URL with [Open]:
//
//	mem://                          in-process, for tests and single runs
//	file:///var/lib/cdsdl/leases    one directory shared by local processes
//	/var/lib/cdsdl/leases           same as above
//	s3://bucket?region=eu-west-1    any gocloud.dev/blob bucket
//	redis://localhost:6379/0        a Redis server
//
// Creation is create-if-absent and deletion ignores missing leases, so
// concurrent processes may race on the same key without coordination.
package lease
