package cli

import (
	"fmt"
	"io"

	"github.com/getmockd/warcrec/pkg/cli/internal/output"
)

// printResult outputs a single operation result.
//
// Contract: when --json is active, ONLY the JSON encoding of data is written
// to w. Human-readable prose must go to stderr or be omitted entirely.
// textFn is called only in text mode.
func printResult(w io.Writer, data any, textFn func()) error {
	if jsonOutput {
		return output.JSON(w, data)
	}
	textFn()
	return nil
}

func printSummary(w io.Writer, s *Summary) error {
	return printResult(w, s, func() {
		st := s.Stats
		fmt.Fprintf(w, "Archived %d exchanges as %d records (%s) in %s\n",
			st.Archived, st.Records, output.Bytes(s.BytesWritten), s.Duration)
		if st.Filtered > 0 {
			fmt.Fprintf(w, "Filtered: %d\n", st.Filtered)
		}
		if st.Dropped > 0 {
			fmt.Fprintf(w, "Dropped after stop: %d\n", st.Dropped)
		}
		if st.BodyFails > 0 {
			fmt.Fprintf(w, "Bodies unavailable: %d\n", st.BodyFails)
		}
		if st.Failed > 0 {
			fmt.Fprintf(w, "Failed: %d\n", st.Failed)
			for _, e := range s.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		for _, f := range s.Session.Files {
			fmt.Fprintf(w, "  %s\n", f)
		}
	})
}
