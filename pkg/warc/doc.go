// Package warc builds, writes and reads WARC/1.0 records.
//
// A Serializer turns a consolidated recording.Exchange into request and
// response records (plus redirect hops and optional metadata). A Writer
// frames records onto an io.Writer, optionally one gzip member per record,
// and a Sink adds the warcinfo record and output file rotation.
package warc
