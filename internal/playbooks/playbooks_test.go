package playbooks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/playbook"
)

type fakeReputation struct {
	verdicts map[string]string
	err      error
	queries  []string
}

func (f *fakeReputation) FetchContext(_ context.Context, query string) (json.RawMessage, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.verdicts[query]
	if !ok {
		return nil, &adapter.NotFoundError{Query: query}
	}
	return json.RawMessage(v), nil
}

type fakeCases struct {
	caseID string
	err    error
	calls  []map[string]any
}

func (f *fakeCases) CreateOrUpdateCase(_ context.Context, _ *alert.Alert, fields map[string]any) (string, error) {
	f.calls = append(f.calls, fields)
	if f.err != nil {
		return "", f.err
	}
	return f.caseID, nil
}

type fakeNotifier struct {
	err      error
	channels []string
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, channel, message string) error {
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message)
	return f.err
}

type fakeSummarizer struct {
	text string
	err  error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, _ string) (string, error) {
	return f.text, f.err
}

func TestBuild_KnownNames(t *testing.T) {
	t.Parallel()

	deps := Deps{Logger: log.Nop()}
	for _, name := range []string{
		NameEnrichVirusTotal, NameCorrelateHosts, NameEscalateCase, NameAISummary, NameClassifyNotify,
	} {
		pb, err := Build(name, deps)
		if err != nil {
			t.Errorf("Build(%q): %v", name, err)
		}
		if pb == nil {
			t.Errorf("Build(%q) returned nil playbook", name)
		}
	}
}

func TestBuild_UnknownName(t *testing.T) {
	t.Parallel()

	_, err := Build("reticulate_splines", Deps{Logger: log.Nop()})
	var ce *playbook.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
}

func TestEnrichVirusTotal_AttachesVerdicts(t *testing.T) {
	t.Parallel()

	rep := &fakeReputation{verdicts: map[string]string{
		"ip:203.0.113.7": `{"malicious":5}`,
	}}
	al := alert.New(alert.SourceElastic, "1", "Beaconing", 80,
		json.RawMessage(`{"source":{"ip":"203.0.113.7"},"destination":{"ip":"198.51.100.9"}}`))

	pb := NewEnrichVirusTotal(log.Nop(), 0)
	if err := pb.Run(context.Background(), al, &adapter.Set{Reputation: rep}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rep.queries) != 2 {
		t.Errorf("queries = %v, want source and destination IPs", rep.queries)
	}

	data, ok := al.Enrichment("virustotal")
	if !ok {
		t.Fatal("virustotal enrichment missing")
	}
	var verdicts map[string]json.RawMessage
	if err := json.Unmarshal(data, &verdicts); err != nil {
		t.Fatalf("enrichment not JSON: %v", err)
	}
	if _, ok := verdicts["ip:203.0.113.7"]; !ok {
		t.Errorf("verdicts = %v, want entry for known IP", verdicts)
	}
	if _, ok := verdicts["ip:198.51.100.9"]; ok {
		t.Error("not-found indicator must be skipped, not recorded")
	}
}

func TestEnrichVirusTotal_NoIndicatorsIsNoop(t *testing.T) {
	t.Parallel()

	rep := &fakeReputation{}
	al := alert.New(alert.SourceQRadar, "2", "Policy offense", 30, json.RawMessage(`{"rule":"x"}`))

	pb := NewEnrichVirusTotal(log.Nop(), 0)
	if err := pb.Run(context.Background(), al, &adapter.Set{Reputation: rep}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.queries) != 0 {
		t.Errorf("queries = %v, want none", rep.queries)
	}
	if _, ok := al.Enrichment("virustotal"); ok {
		t.Error("enrichment attached despite no indicators")
	}
}

func TestEnrichVirusTotal_LookupCap(t *testing.T) {
	t.Parallel()

	rep := &fakeReputation{verdicts: map[string]string{"ip:10.0.0.1": `{}`}}
	al := alert.New(alert.SourceElastic, "3", "t", 50, json.RawMessage(
		`{"source":{"ip":"10.0.0.1"},"destination":{"ip":"10.0.0.2"},"file":{"hash":{"sha256":"aa","md5":"bb"}}}`))

	pb := NewEnrichVirusTotal(log.Nop(), 2)
	if err := pb.Run(context.Background(), al, &adapter.Set{Reputation: rep}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.queries) != 2 {
		t.Errorf("queries = %d, want capped at 2", len(rep.queries))
	}
}

func TestEnrichVirusTotal_LookupFailureFailsRun(t *testing.T) {
	t.Parallel()

	rep := &fakeReputation{err: &adapter.IntegrationError{System: "virustotal", Err: errors.New("rate limited")}}
	al := alert.New(alert.SourceElastic, "4", "t", 50, json.RawMessage(`{"source":{"ip":"10.0.0.1"}}`))

	pb := NewEnrichVirusTotal(log.Nop(), 0)
	if err := pb.Run(context.Background(), al, &adapter.Set{Reputation: rep}); err == nil {
		t.Fatal("expected error for failed lookup")
	}
}

func TestCorrelateHosts_EscalatesAtThreshold(t *testing.T) {
	t.Parallel()

	pb := NewCorrelateHosts(10*time.Minute, 2)
	raw := json.RawMessage(`{"host":{"name":"web-01"}}`)

	first := alert.New(alert.SourceElastic, "a", "t", 50, raw)
	if err := pb.Run(context.Background(), first, &adapter.Set{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var corr struct {
		Host      string `json:"host"`
		Sightings int    `json:"sightings"`
		Escalate  bool   `json:"escalate"`
	}
	data, _ := first.Enrichment("correlation")
	_ = json.Unmarshal(data, &corr)
	if corr.Escalate {
		t.Error("first sighting must not escalate")
	}

	second := alert.New(alert.SourceElastic, "b", "t", 50, raw)
	if err := pb.Run(context.Background(), second, &adapter.Set{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	data, _ = second.Enrichment("correlation")
	_ = json.Unmarshal(data, &corr)
	if !corr.Escalate {
		t.Error("threshold sighting must escalate")
	}
	if corr.Sightings != 2 {
		t.Errorf("sightings = %d, want 2", corr.Sightings)
	}
}

func TestCorrelateHosts_WindowExpiry(t *testing.T) {
	t.Parallel()

	pb := NewCorrelateHosts(time.Minute, 2)
	now := time.Now()
	pb.now = func() time.Time { return now }

	raw := json.RawMessage(`{"host":{"name":"db-02"}}`)
	_ = pb.Run(context.Background(), alert.New(alert.SourceQRadar, "a", "t", 50, raw), &adapter.Set{})

	now = now.Add(2 * time.Minute)
	second := alert.New(alert.SourceQRadar, "b", "t", 50, raw)
	_ = pb.Run(context.Background(), second, &adapter.Set{})

	var corr struct {
		Sightings int  `json:"sightings"`
		Escalate  bool `json:"escalate"`
	}
	data, _ := second.Enrichment("correlation")
	_ = json.Unmarshal(data, &corr)
	if corr.Sightings != 1 {
		t.Errorf("sightings = %d, want 1 after window expiry", corr.Sightings)
	}
	if corr.Escalate {
		t.Error("expired sightings must not count toward escalation")
	}
}

func TestCorrelateHosts_NoHostIsNoop(t *testing.T) {
	t.Parallel()

	pb := NewCorrelateHosts(0, 0)
	al := alert.New(alert.SourceThreatIntel, "a", "t", 50, json.RawMessage(`{"ioc":"x"}`))
	if err := pb.Run(context.Background(), al, &adapter.Set{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := al.Enrichment("correlation"); ok {
		t.Error("enrichment attached for hostless alert")
	}
}

func TestEscalateCase_SetsCaseIDAndForwardsEnrichments(t *testing.T) {
	t.Parallel()

	cases := &fakeCases{caseID: "314"}
	al := alert.New(alert.SourceElastic, "5", "Beaconing", 80, nil)
	al.AddEnrichment("virustotal", json.RawMessage(`{"malicious":5}`))

	pb := NewEscalateCase(log.Nop())
	if err := pb.Run(context.Background(), al, &adapter.Set{Cases: cases}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if al.CaseID() != "314" {
		t.Errorf("CaseID = %q, want %q", al.CaseID(), "314")
	}
	if len(cases.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(cases.calls))
	}
	if _, ok := cases.calls[0]["enrichment_virustotal"]; !ok {
		t.Error("enrichment not forwarded to case fields")
	}
}

func TestEscalateCase_NoAdapter(t *testing.T) {
	t.Parallel()

	pb := NewEscalateCase(log.Nop())
	al := alert.New(alert.SourceElastic, "6", "t", 10, nil)
	if err := pb.Run(context.Background(), al, &adapter.Set{}); err == nil {
		t.Fatal("expected error without case manager")
	}
}

func TestAISummary_AttachesAnalysisAndUpdatesCase(t *testing.T) {
	t.Parallel()

	cases := &fakeCases{caseID: "7"}
	pb := NewAISummary(&fakeSummarizer{text: "likely credential stuffing"})
	al := alert.New(alert.SourceQRadar, "7", "Failed logins", 70, nil)
	al.SetCaseID("7")

	if err := pb.Run(context.Background(), al, &adapter.Set{Cases: cases}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, ok := al.Enrichment("analysis")
	if !ok {
		t.Fatal("analysis enrichment missing")
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil || text != "likely credential stuffing" {
		t.Errorf("analysis = %q (err %v), want summarizer text", text, err)
	}
	if len(cases.calls) != 1 {
		t.Fatalf("case updates = %d, want 1", len(cases.calls))
	}
	if cases.calls[0]["analysis"] != "likely credential stuffing" {
		t.Errorf("case analysis field = %v", cases.calls[0]["analysis"])
	}
}

func TestAISummary_NoSummarizer(t *testing.T) {
	t.Parallel()

	pb := NewAISummary(nil)
	al := alert.New(alert.SourceElastic, "8", "t", 10, nil)
	if err := pb.Run(context.Background(), al, &adapter.Set{}); err == nil {
		t.Fatal("expected error without summarizer")
	}
}

func TestSeverityClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity int
		want     string
	}{
		{95, "critical"},
		{90, "critical"},
		{89, "high"},
		{70, "high"},
		{69, "medium"},
		{40, "medium"},
		{39, "low"},
		{0, "low"},
	}
	for _, tt := range tests {
		if got := severityClass(tt.severity); got != tt.want {
			t.Errorf("severityClass(%d) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestClassifyNotify_SendsClassifiedMessage(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	pb := NewClassifyNotify("!sec-alerts:example.org")
	al := alert.New(alert.SourceElastic, "9", "Beaconing on web-01", 92,
		json.RawMessage(`{"host":{"name":"web-01"}}`))
	al.SetCaseID("314")
	al.AddEnrichment("analysis", json.RawMessage(`"malware beacon to known C2"`))

	if err := pb.Run(context.Background(), al, &adapter.Set{Notifier: notifier}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(notifier.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(notifier.messages))
	}
	if notifier.channels[0] != "!sec-alerts:example.org" {
		t.Errorf("channel = %q", notifier.channels[0])
	}
	msg := notifier.messages[0]
	for _, want := range []string{"CRITICAL", "Beaconing on web-01", "web-01", "case: 314", "known C2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	data, ok := al.Enrichment("classification")
	if !ok {
		t.Fatal("classification enrichment missing")
	}
	if string(data) != `"critical"` {
		t.Errorf("classification = %s, want \"critical\"", data)
	}
}

func TestClassifyNotify_NotifyFailureFailsRun(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{err: errors.New("forbidden")}
	pb := NewClassifyNotify("!r:x")
	al := alert.New(alert.SourceElastic, "10", "t", 10, nil)

	if err := pb.Run(context.Background(), al, &adapter.Set{Notifier: notifier}); err == nil {
		t.Fatal("expected error when notify fails")
	}
}
