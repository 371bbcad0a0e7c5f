// Package output writes collected predictions to a file or standard output.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"peval/internal/common/fsutil"
	"peval/pkg/types"
)

// Banner frames the output section on stdout.
const Banner = "***************************"

// Writer emits predictions. Stdout receives the banner and, without an
// outfile, the raw collection.
type Writer struct {
	Stdout io.Writer
	Logger zerolog.Logger
}

// Write emits responses between two banner lines. Only the coordinating
// rank writes the opening banner and the predictions; every rank prints the
// closing banner once its part succeeded, so a failed write leaves the
// output unterminated. With outfile set, every sentence becomes one line
// with embedded newlines replaced by spaces, in batch then item order. A
// partial file may remain if writing fails.
func (w Writer) Write(outfile string, responses []types.Response, isCoordinator bool) error {
	stdout := w.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	if isCoordinator {
		fmt.Fprintln(stdout, Banner)
		if err := w.emit(stdout, outfile, responses); err != nil {
			return err
		}
	}
	fmt.Fprintln(stdout, Banner)
	return nil
}

func (w Writer) emit(stdout io.Writer, outfile string, responses []types.Response) error {
	if strings.TrimSpace(outfile) == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(responses)
	}
	p, err := fsutil.ExpandHome(outfile)
	if err != nil {
		return err
	}
	if err := writeLines(p, responses); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	fmt.Fprintf(stdout, "predictions saved to %s\n", p)
	w.Logger.Info().Str("path", p).Int("batches", len(responses)).Msg("predictions written")
	return nil
}

func writeLines(path string, responses []types.Response) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, r := range responses {
		for _, s := range r.Sentences {
			if _, err := bw.WriteString(strings.ReplaceAll(s, "\n", " ") + "\n"); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
