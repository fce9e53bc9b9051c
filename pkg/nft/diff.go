package nft

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff of the text renderings of from and to. An
// empty string means the renderings are identical.
func Diff(from, to Config, fromName, toName string) (string, error) {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(RenderText(from)),
		B:        difflib.SplitLines(RenderText(to)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return "", fmt.Errorf("nft: diff: %w", err)
	}
	return text, nil
}
