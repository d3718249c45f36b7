// Package s3 implements the S3-compatible HTTP surface: request routing,
// the response encoder for the retrieval path, and the XML error schema.
package s3
