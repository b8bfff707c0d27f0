package scanmgr

import (
	"testing"

	"github.com/pkg/errors"
)

func sev(v float64) *float64 { return &v }

type classifyTester struct {
	severity float64
	class    SeverityClass
	alarm    bool
	level    string
	invalid  bool
}

func (t *classifyTester) runTest(test *testing.T, name string) {
	level, err := Classify(t.severity, t.class, t.alarm)
	if t.invalid {
		if !errors.Is(err, ErrInvalidSeverity) {
			test.Errorf("[%s] expected ErrInvalidSeverity, got %v", name, err)
		}
		return
	}
	if err != nil {
		test.Errorf("[%s] failed to classify: %v", name, err)
		return
	}
	if level != t.level {
		test.Errorf("[%s] expected %s, got %s", name, t.level, level)
	}
}

var classifyTests = map[string]*classifyTester{
	"high-edge":       {severity: 7.0, class: CLASS_CLASSIC, level: LevelHigh},
	"medium-top":      {severity: 6.9, class: CLASS_CLASSIC, level: LevelMedium},
	"medium-edge":     {severity: 4.0, class: CLASS_CLASSIC, level: LevelMedium},
	"low-top":         {severity: 3.9, class: CLASS_CLASSIC, level: LevelLow},
	"low-bottom":      {severity: 0.1, class: CLASS_NIST, level: LevelLow},
	"max":             {severity: SeverityMax, class: CLASS_NIST, level: LevelHigh},
	"bsi-high":        {severity: 8.5, class: CLASS_BSI, level: LevelHigh},
	"pci-high":        {severity: 4.0, class: CLASS_PCI_DSS, level: LevelHigh},
	"pci-none":        {severity: 3.9, class: CLASS_PCI_DSS, level: LevelNone},
	"alarm":           {severity: 0.1, class: CLASS_NIST, alarm: true, level: LevelAlarm},
	"alarm-pci":       {severity: 9.0, class: CLASS_PCI_DSS, alarm: true, level: LevelAlarm},
	"alarm-sentinel":  {severity: SeverityLog, class: CLASS_NIST, alarm: true, level: LevelLog},
	"log":             {severity: SeverityLog, class: CLASS_BSI, level: LevelLog},
	"false-positive":  {severity: SeverityFalsePositive, class: CLASS_PCI_DSS, level: LevelFalsePositive},
	"debug":           {severity: SeverityDebug, class: CLASS_NIST, level: LevelDebug},
	"error":           {severity: SeverityError, class: CLASS_CLASSIC, level: LevelError},
	"over-max":        {severity: 10.1, class: CLASS_NIST, invalid: true},
	"negative-band":   {severity: -0.5, class: CLASS_NIST, invalid: true},
	"below-sentinels": {severity: -4.0, class: CLASS_NIST, invalid: true},
}

func TestClassify(t *testing.T) {
	for tname, cfg := range classifyTests {
		cfg.runTest(t, tname)
	}
}

// Sentinel names never depend on the scheme.
func TestClassifySentinelConstancy(t *testing.T) {
	classes := []SeverityClass{CLASS_NIST, CLASS_BSI, CLASS_CLASSIC, CLASS_PCI_DSS}
	sentinels := []float64{SeverityLog, SeverityFalsePositive, SeverityDebug, SeverityError}

	for _, s := range sentinels {
		want, err := Classify(s, CLASS_NIST, false)
		if err != nil {
			t.Fatalf("failed to classify sentinel %v: %v", s, err)
		}
		for _, class := range classes {
			got, err := Classify(s, class, false)
			if err != nil {
				t.Errorf("failed to classify %v under %s: %v", s, class, err)
				continue
			}
			if got != want {
				t.Errorf("sentinel %v maps to %s under %s, want %s", s, got, class, want)
			}
		}
	}
}

type messageTypeTester struct {
	severity float64
	want     string
	invalid  bool
}

func (t *messageTypeTester) runTest(test *testing.T, name string) {
	got, err := MessageType(t.severity)
	if t.invalid {
		if !errors.Is(err, ErrInvalidSeverity) {
			test.Errorf("[%s] expected ErrInvalidSeverity, got %v", name, err)
		}
		return
	}
	if err != nil {
		test.Errorf("[%s] failed to name message type: %v", name, err)
		return
	}
	if got != t.want {
		test.Errorf("[%s] expected %s, got %s", name, t.want, got)
	}
}

var messageTypeTests = map[string]*messageTypeTester{
	"log":            {severity: SeverityLog, want: "Log Message"},
	"false-positive": {severity: SeverityFalsePositive, want: LevelFalsePositive},
	"debug":          {severity: SeverityDebug, want: "Debug Message"},
	"error":          {severity: SeverityError, want: "Error Message"},
	"vulnerability":  {severity: 5.0, want: LevelAlarm},
	"out-of-band":    {severity: 12.0, invalid: true},
}

func TestMessageType(t *testing.T) {
	for tname, cfg := range messageTypeTests {
		cfg.runTest(t, tname)
	}
}

type severityMatchTester struct {
	severity float64
	match    *float64
	want     bool
}

func (t *severityMatchTester) runTest(test *testing.T, name string) {
	if got := severityMatchesOverride(t.severity, t.match); got != t.want {
		test.Errorf("[%s] expected %v, got %v", name, t.want, got)
	}
}

var severityMatchTests = map[string]*severityMatchTester{
	"any-matches-score":    {severity: 5.0, match: nil, want: true},
	"any-matches-sentinel": {severity: SeverityError, match: nil, want: true},
	"positive-at-floor":    {severity: 4.0, match: sev(4.0), want: true},
	"positive-above":       {severity: 9.9, match: sev(4.0), want: true},
	"positive-below":       {severity: 3.9, match: sev(4.0), want: false},
	"log-exact":            {severity: SeverityLog, match: sev(SeverityLog), want: true},
	"log-not-score":        {severity: 0.1, match: sev(SeverityLog), want: false},
	"fp-exact":             {severity: SeverityFalsePositive, match: sev(SeverityFalsePositive), want: true},
	"fp-not-log":           {severity: SeverityLog, match: sev(SeverityFalsePositive), want: false},
}

func TestSeverityMatchesOverride(t *testing.T) {
	for tname, cfg := range severityMatchTests {
		cfg.runTest(t, tname)
	}
}
