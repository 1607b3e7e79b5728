// Package presence finds products that are already available on local disks.
//
// A product is looked up in the long-term archive, then the spool, then the
// output directory. In each place three file names are tried: the product
// name, the name with ".zip" appended, and the name with ".SAFE" replaced by
// ".zip". ZIP files found in the output directory are read in full; a
// corrupt archive is deleted so the product is downloaded again.
//
// Archive paths follow the layout
//
//	<archive>/sentinel-<unit>/L<level>/<mode>/<family>/<YYYY>/<DDD>
//
// where the date is the acquisition start encoded in the product name.
package presence
