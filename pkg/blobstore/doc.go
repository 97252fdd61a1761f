// Package blobstore stores backup files. S3Driver talks to any S3
// compatible service; LocalDriver keeps files on the node's own disk.
// UploadDir and FetchDir move whole directory trees in and out of a
// driver.
package blobstore
