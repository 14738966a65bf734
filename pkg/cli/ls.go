package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/cli/internal/flags"
	"github.com/getmockd/warcrec/pkg/cli/internal/output"
	"github.com/getmockd/warcrec/pkg/util"
	"github.com/getmockd/warcrec/pkg/warc"
)

// RecordEntry is one line of 'warcrec ls' output.
type RecordEntry struct {
	File          string    `json:"file"`
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	TargetURI     string    `json:"targetUri,omitempty"`
	Date          time.Time `json:"date"`
	Status        int       `json:"status,omitempty"`
	ContentLength int       `json:"contentLength"`
	PayloadDigest string    `json:"payloadDigest,omitempty"`
	DigestError   string    `json:"digestError,omitempty"`
}

var (
	lsTypes  flags.StringSlice
	lsVerify bool
)

var lsCmd = &cobra.Command{
	Use:   "ls <file.warc[.gz]>...",
	Short: "List the records of WARC files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []RecordEntry
		mismatches := 0
		for _, path := range args {
			got, err := listRecords(path, lsTypes, lsVerify)
			if err != nil {
				return err
			}
			for _, e := range got {
				if e.DigestError != "" {
					mismatches++
				}
			}
			entries = append(entries, got...)
		}

		w := cmd.OutOrStdout()
		if err := printResult(w, entries, func() { printRecordTable(w, entries, len(args) > 1) }); err != nil {
			return err
		}
		if mismatches > 0 {
			return fmt.Errorf("%d record(s): %w", mismatches, warc.ErrDigestMismatch)
		}
		return nil
	},
}

func listRecords(path string, types []string, verify bool) ([]RecordEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r, err := warc.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	var out []RecordEntry
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%s: record %d: %w", path, len(out)+1, err)
		}
		if len(types) > 0 && !containsFold(types, string(rec.Type)) {
			continue
		}
		e := RecordEntry{
			File:          path,
			Type:          string(rec.Type),
			ID:            rec.ID,
			TargetURI:     rec.TargetURI,
			Date:          rec.Date,
			ContentLength: rec.ContentLength(),
			PayloadDigest: rec.PayloadDigest,
		}
		if rec.Type == warc.TypeResponse {
			e.Status = statusOf(rec)
		}
		if verify {
			if err := rec.VerifyDigest(); err != nil {
				e.DigestError = err.Error()
			}
		}
		out = append(out, e)
	}
}

// statusOf reads the status code from the HTTP start line of a response block.
func statusOf(rec *warc.Record) int {
	line, _, _ := strings.Cut(rec.HTTPHeader(), "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func printRecordTable(w io.Writer, entries []RecordEntry, withFile bool) {
	tw := output.Table(w)
	if withFile {
		fmt.Fprint(tw, "FILE\t")
	}
	fmt.Fprintln(tw, "TYPE\tDATE\tSTATUS\tLENGTH\tTARGET")
	for _, e := range entries {
		if withFile {
			fmt.Fprintf(tw, "%s\t", e.File)
		}
		status := "-"
		if e.Status > 0 {
			status = strconv.Itoa(e.Status)
		}
		target := util.Truncate(e.TargetURI, 0)
		if e.DigestError != "" {
			target += "  (digest mismatch)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Type, e.Date.Format(time.RFC3339), status, e.ContentLength, target)
	}
	_ = tw.Flush()
}

func init() {
	lsCmd.Flags().Var(&lsTypes, "type", "Only list records of this WARC-Type (repeatable)")
	lsCmd.Flags().BoolVar(&lsVerify, "verify", false, "Recompute payload digests and fail on mismatch")
	rootCmd.AddCommand(lsCmd)
}
