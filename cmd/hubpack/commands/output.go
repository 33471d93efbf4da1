package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hubpack/hubpack/pkg/pipeline"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFallback writes the index document a failed index update would have
// produced, so it can be applied by hand.
func printFallback(w io.Writer, err error) {
	doc := pipeline.FallbackOf(err)
	if doc == nil {
		return
	}
	fmt.Fprintln(w, "Package index was not updated. Intended document:")
	fmt.Fprintln(w, string(doc))
}
