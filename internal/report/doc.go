// Package report accumulates the outcome of a download run.
//
// A Report holds the final status of every product, named counters (how
// many products were found locally and where, how many downloads ended with
// each status), the throughput of successful downloads and the size of each
// scheduling round. It can be printed as a table and saved to a SQLite
// ledger for later inspection.
package report
