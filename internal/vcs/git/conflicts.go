package git

import (
	"context"
	"fmt"
	"strings"
)

// unmergedCodes are the porcelain XY codes of paths with merge conflicts
var unmergedCodes = map[string]bool{
	"DD": true, "AU": true, "UD": true, "UA": true,
	"DU": true, "AA": true, "UU": true,
}

// ConflictedFiles returns the paths left unmerged by a stopped rebase or merge
func (g *Git) ConflictedFiles(ctx context.Context) ([]string, error) {
	res, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var conflicts []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if len(line) < 4 {
			continue
		}
		if unmergedCodes[line[:2]] {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}

	return conflicts, nil
}
