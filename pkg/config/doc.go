// Package config provides the warcrec configuration file format and its
// loading rules.
//
// Configuration is read from YAML (JSON files parse as YAML too):
//
//	devtools:
//	  url: http://127.0.0.1:9222
//	  target: example.com
//	capture:
//	  bodyTimeout: 30s
//	  writeMetadata: true
//	  filter:
//	    excludeHosts: ["*.doubleclick.net"]
//	    expression: status < 400
//	output:
//	  dir: ./warcs
//	  gzip: true
//	  maxSize: 1073741824
//	tracing:
//	  endpoint: http://localhost:4318/v1/traces
//	  sampleRatio: 0.1
//
// Precedence, highest first: flags, WARCREC_* environment variables, the
// file given with --config, ./.warcrec.yaml, the user config directory,
// then Default.
package config
