// Package cli implements the warcrec command line.
//
//	warcrec capture --devtools-url http://127.0.0.1:9222 --navigate https://example.com
//	warcrec build events.jsonl -o site.warc.gz
//	warcrec ls site.warc.gz
package cli
