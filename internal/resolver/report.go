package resolver

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/metadata"
)

// MetadataSource resolves the title, date and description of a reference URL.
type MetadataSource interface {
	Resolve(ctx context.Context, url string) metadata.Metadata
}

// ReportResolver maps a family's reference URLs onto report objects, reusing
// the report of any URL seen before.
type ReportResolver struct {
	meta MetadataSource
	now  func() time.Time
	log  *zap.Logger
}

// NewReportResolver creates a ReportResolver. clock defaults to time.Now.
func NewReportResolver(meta MetadataSource, clock func() time.Time, logger *zap.Logger) *ReportResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &ReportResolver{meta: meta, now: clock, log: logger.Named("reports")}
}

// Resolve returns, in URL order, a new version of every known report that
// references a URL, extended with the malware id, or a freshly compiled
// report for URLs nobody has referenced yet. The result may hold several
// versions of one report; the last one is the most complete.
func (r *ReportResolver) Resolve(ctx context.Context, malware schemas.Malware, urls []string, graph GraphReader) []schemas.Report {
	var produced []schemas.Report
	for _, url := range urls {
		if ctx.Err() != nil {
			return produced
		}
		if existing := referencingReports(url, graph, produced); len(existing) > 0 {
			for _, report := range existing {
				produced = append(produced, r.addObjectRef(report, malware.ID))
			}
			continue
		}

		md := r.meta.Resolve(ctx, url)
		r.log.Debug("Compiled report",
			zap.String("url", url),
			zap.String("origin", string(md.Origin)))
		draft := r.CompileReport(url, md, []string{malware.ID})
		report := DisambiguateReportName(draft, graph, produced)
		if report.Name != draft.Name {
			r.log.Debug("Renamed report to avoid a name clash",
				zap.String("url", url),
				zap.String("name", report.Name))
		}
		produced = append(produced, report)
	}
	return produced
}

// CompileReport creates the report for url from resolved metadata.
func (r *ReportResolver) CompileReport(url string, md metadata.Metadata, objectRefs []string) schemas.Report {
	report := schemas.Report{
		Common:      schemas.NewCommon(schemas.TypeReport, ReportID(url), r.now()),
		Name:        strings.TrimSpace(md.Title),
		Description: md.Description,
		Published:   schemas.NewPublishedDate(md.Published),
		ExternalReferences: []schemas.ExternalReference{
			{SourceName: md.Title, URL: url},
		},
		ObjectRefs: append([]string{}, objectRefs...),
	}
	report.Labels = []string{schemas.LabelThreatReport}
	return report
}

// addObjectRef returns a new version of report that also refers to id.
func (r *ReportResolver) addObjectRef(report schemas.Report, id string) schemas.Report {
	next := report.Clone()
	if !contains(next.ObjectRefs, id) {
		next.ObjectRefs = append(next.ObjectRefs, id)
	}

	modified := r.now().UTC().Truncate(time.Millisecond)
	if !modified.After(report.Modified.Time) {
		modified = report.Modified.Add(time.Millisecond)
	}
	next.Modified = schemas.NewTimestamp(modified)
	return next
}

// referencingReports returns the current version of every report that
// references url. Versions produced earlier in the same call shadow the
// graph copy with the same id.
func referencingReports(url string, graph GraphReader, produced []schemas.Report) []schemas.Report {
	latest := make(map[string]int, len(produced))
	for i, report := range produced {
		latest[report.ID] = i
	}

	var out []schemas.Report
	seen := make(map[string]struct{})
	consider := func(report schemas.Report) {
		if _, ok := seen[report.ID]; ok {
			return
		}
		seen[report.ID] = struct{}{}
		if i, ok := latest[report.ID]; ok {
			report = produced[i]
		}
		if report.ReferencesURL(url) {
			out = append(out, report)
		}
	}

	for _, report := range graph.Reports() {
		consider(report)
	}
	for _, report := range produced {
		consider(report)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
