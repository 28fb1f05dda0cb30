// Package archive exports retained buckets to Parquet files and reads them
// back.
//
// Each row is one weighted point tagged with its storage name, the storage
// revision at export time, the bucket position and epoch. Files can be
// queried in place with the query package.
package archive
