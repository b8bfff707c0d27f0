package scanmgr

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
)

// A scoreContext carries everything one scoring request needs to
// resolve severities in memory: the caller's parameters, the resolved
// user settings, and per-request lookups of tests and override
// candidates keyed by OID. It replaces any longer-lived resolution
// state, so behavior cannot depend on call order.
type scoreContext struct {
	params  ScoreParams
	dynamic bool
	class   SeverityClass
	now     int64

	nvts      map[string]*NVT
	overrides map[string][]*Override
}

// The severity a result presents to this user: raw severity, optionally
// replaced by the test's current base score, optionally replaced by the
// most specific applicable override. Sentinels survive both steps
// untouched. A raw severity outside every recognized band is malformed
// stored data and fails the request.
func (c *scoreContext) effectiveSeverity(res *Result) (float64, error) {
	severity := res.Severity
	if !SeveritySentinel(severity) && (severity <= 0 || severity > SeverityMax) {
		return 0, errors.Wrapf(ErrInvalidSeverity, "result %d severity %v", res.ID, severity)
	}

	severity = dynamicSeverity(severity, c.nvts[res.NVTOID], c.dynamic)

	if c.params.ApplyOverrides {
		if ov := selectOverride(c.overrides[res.NVTOID], res, severity, c.now); ov != nil {
			severity = ov.NewSeverity
		}
	}
	return severity, nil
}

// Substitutes the test's current base score for the stored severity.
// Only genuine vulnerabilities are substituted: a sentinel encodes what
// a result is, not how bad it is, and must survive as stored. A result
// whose test has disappeared keeps its stored severity.
func dynamicSeverity(raw float64, nvt *NVT, enabled bool) float64 {
	if !enabled || raw <= SeverityLog || nvt == nil {
		return raw
	}
	return nvt.CVSSBase
}

// Reports whether one override applies to a result at the given
// effective severity. Candidates are already narrowed to the result's
// test and the requesting user.
func overrideApplies(ov *Override, res *Result, severity float64, now int64) bool {
	if ov.EndTime != 0 && ov.EndTime < now {
		return false
	}
	if ov.TaskID != 0 && ov.TaskID != res.TaskID {
		return false
	}
	if ov.ResultID != 0 && ov.ResultID != res.ID {
		return false
	}
	if ov.Hosts != "" && !slices.Contains(splitHosts(ov.Hosts), res.Host) {
		return false
	}
	if ov.Port != "" && ov.Port != res.Port {
		return false
	}
	return severityMatchesOverride(severity, ov.Severity)
}

// Picks the single override that replaces a result's severity, or nil.
// Among applicable overrides the most specific wins: exact result scope
// over wildcard, then exact task scope, then exact port, then the
// lowest matching severity, then the most recently created.
func selectOverride(candidates []*Override, res *Result, severity float64, now int64) *Override {
	var matches []*Override
	for _, ov := range candidates {
		if overrideApplies(ov, res, severity, now) {
			matches = append(matches, ov)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	slices.SortFunc(matches, moreSpecific)
	return matches[0]
}

func moreSpecific(a, b *Override) int {
	if c := exactFirst(a.ResultID != 0, b.ResultID != 0); c != 0 {
		return c
	}
	if c := exactFirst(a.TaskID != 0, b.TaskID != 0); c != 0 {
		return c
	}
	if c := exactFirst(a.Port != "", b.Port != ""); c != 0 {
		return c
	}
	if c := matchSeverityCompare(a.Severity, b.Severity); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	// identical creation times: newest row wins, keeping selection
	// deterministic
	return cmp.Compare(b.ID, a.ID)
}

func exactFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

// nil sorts lowest, mirroring how an unset column compares in the
// store; numeric matching severities ascend.
func matchSeverityCompare(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Compare(*a, *b)
}
