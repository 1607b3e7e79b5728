// Package http provides the HTTP client shared by the token manager and the
// download executor.
//
// This package handles:
//   - Separate connect and read timeouts for very long transfers
//   - Optional TLS verification bypass for self-signed archive mirrors
//   - Form POSTs to the identity endpoint
//   - Streamed GETs with an idle read watchdog
//   - Classification of status codes into sentinel errors
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Identity request
//	resp, err := client.PostForm(ctx, identityURL, form)
//
//	// Download
//	stream, err := client.Stream(ctx, url, "Bearer "+token)
//	defer stream.Body.Close()
package http
