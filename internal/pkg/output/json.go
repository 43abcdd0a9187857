package output

import (
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/term"
)

// WriteJSON writes v to w as a single JSON document terminated by a
// newline. Run summaries and configuration dumps are indented when w is a
// terminal and compact when piped into another tool.
func WriteJSON(w io.Writer, v any) error {
	var (
		data []byte
		err  error
	)
	if isTerminal(w) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %T: %w", v, err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
