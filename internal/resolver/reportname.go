package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BBlag/mp2stix/api/schemas"
)

var numberSuffix = regexp.MustCompile(`\(([0-9]+)\)$`)

// DisambiguateReportName renames draft when an existing report name starts
// with its name: "Doc" becomes "Doc (n+1)" where n is the highest numeric
// suffix among those names, or "Doc (1)" when none carries one.
func DisambiguateReportName(draft schemas.Report, graph GraphReader, produced []schemas.Report) schemas.Report {
	clashes := false
	highest := 0
	check := func(report schemas.Report) {
		if !strings.HasPrefix(report.Name, draft.Name) {
			return
		}
		clashes = true
		m := numberSuffix.FindStringSubmatch(report.Name)
		if m == nil {
			return
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}

	for _, report := range graph.Reports() {
		check(report)
	}
	for _, report := range produced {
		check(report)
	}
	if !clashes {
		return draft
	}

	renamed := draft.Clone()
	renamed.Name = fmt.Sprintf("%s (%d)", draft.Name, highest+1)
	return renamed
}
