// Package progress provides progress reporting for a download run.
//
// The reporter counts products and bytes with atomics, so executors may
// call it concurrently, and redraws a single status line on a ticker.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalProducts: len(pending),
//	    Accounts:      len(logins),
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.ProductStarted()
//	reporter.BytesWritten(n)
//	reporter.ProductCompleted()
//
// # Output Format
//
//	[cdsdl] Products to download: 12 | Accounts: 3
//	[cdsdl] Progress: 41.7% | 5 done | 1 failed | 4 in-progress | 4.2 GiB | Speed: 38 MiB/s
package progress
