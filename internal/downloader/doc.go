// Package downloader executes a single product download.
//
// An Executor streams the product into a uniquely named file in the staging
// directory, then publishes it to the output path with a rename, so a
// partial file never appears under the final name. Every attempt ends in a
// Result carrying an Outcome; Execute itself never returns an error.
//
// # Usage
//
//	exec, err := downloader.New(downloader.Options{
//	    Client:     client,
//	    StagingDir: cfg.StagingDir,
//	    Progress:   reporter,
//	})
//
//	res := exec.Execute(ctx, downloader.Request{
//	    Item:       item,
//	    Login:      login,
//	    Token:      tok,
//	    URL:        item.URL(cfg.DownloadURL),
//	    OutputPath: item.OutputPath(outputDir),
//	})
//	if res.Outcome != downloader.OutcomeOK {
//	    // res.Err explains the failure
//	}
//
// # Outcomes
//
//   - OK: the product was published.
//   - RequestError: no response was obtained.
//   - HTTPStatus: the server answered with a non-2xx status.
//   - StreamError: the body could not be read or written completely.
//   - ChunkedEncodingError: a chunked body was cut short.
//   - PublishError: the staged file could not be moved into place.
//   - TokenExpired: the token aged out before the request was made.
//   - Fault: the attempt panicked.
package downloader
