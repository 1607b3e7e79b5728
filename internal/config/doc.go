// Package config defines configuration structures for the cdsdl CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (CDSDL_ prefix)
//   - YAML configuration file
//
// # File Format
//
//	identity_url: https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token
//	download_url: https://zipper.dataspace.copernicus.eu/odata/v1/Products(%s)/$value
//	client_id: cdse-public
//	ssl_verify: true
//	lease_store: /var/lib/cdsdl/leases
//	archive_dir: /home/datawork-cersat-public/cache/project/mpc-sentinel1/data/esa
//	spool_dir: /home/datawork-cersat-public/spool
//	staging_dir: /home/datawork-cersat-public/pre_spool
//	max_sessions_per_account: 4
//	token_validity: 600s
//	chunk_size: 8KiB
//	backoff:
//	  initial: 10s
//	  max: 2m
//	  max_waits: 30
//	accounts:
//	  logins:
//	    alice@example.com: secret
//	    bob@example.com: secret
package config
