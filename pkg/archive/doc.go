// Package archive backs up and restores the provisioner data directory.
//
// A backup is a gzip-compressed tarball of data_dir (records, logs,
// workspaces) written through an Archiver:
//
//   - LocalArchiver: a directory on this host
//   - S3Archiver: an S3 compatible bucket
//   - SFTPArchiver: a directory on a remote host
//
// Backups are named provisioner-<UTC timestamp>.tar.gz, so lexical order is
// chronological and Restore accepts "latest".
//
// Take backups while no workflow is running. The sqlite store and the
// shared directory are copied as they are on disk.
package archive
