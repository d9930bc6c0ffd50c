package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"planvault/api/internal/plan"
)

func sampleDoc() plan.Document {
	return plan.Document{
		Goals: []plan.Item{
			{ID: "goal-1", Attrs: json.RawMessage(`{"title":"Reduce panic attacks","target":"2 per month"}`)},
		},
		Interventions: []plan.Item{
			{ID: "int-1", Attrs: json.RawMessage(`{"title":"CBT exposure ladder"}`)},
		},
		Homework: []plan.Item{
			{ID: "hw-1", Attrs: json.RawMessage(`{"title":"Breathing log"}`)},
		},
		Diagnoses: []plan.Item{
			{ID: "dx-1", Attrs: json.RawMessage(`{"code":"F41.0"}`)},
		},
		ClinicalSummary:   json.RawMessage(`"Client presents with panic disorder."`),
		SessionReferences: []string{"sess-9"},
		Version:           3,
		UpdatedAt:         time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func TestBuildSnapshotTherapistView(t *testing.T) {
	snap := BuildSnapshot("plan-1", "Anxiety Plan", "client-7", 3, ViewTherapist, "therapist-1", sampleDoc())

	names := make([]string, 0, len(snap.Sections))
	for _, sec := range snap.Sections {
		names = append(names, sec.Name)
	}
	for _, want := range []string{"goals", "interventions", "diagnoses", "clinical summary", "session references"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("therapist view missing section %q, got %v", want, names)
		}
	}
}

func TestBuildSnapshotClientViewOmitsClinicalSections(t *testing.T) {
	snap := BuildSnapshot("plan-1", "Anxiety Plan", "client-7", 3, ViewClient, "therapist-1", sampleDoc())

	for _, sec := range snap.Sections {
		switch sec.Name {
		case "interventions", "diagnoses", "risk factors", "clinical summary", "crisis assessment":
			t.Errorf("client view must not contain section %q", sec.Name)
		}
	}
	hasGoals := false
	for _, sec := range snap.Sections {
		if sec.Name == "goals" && len(sec.Items) == 1 {
			hasGoals = true
		}
	}
	if !hasGoals {
		t.Error("client view should keep goals")
	}
}

func TestRenderSnapshotHTML(t *testing.T) {
	snap := BuildSnapshot("plan-1", "Anxiety Plan", "client-7", 3, ViewTherapist, "therapist-1", sampleDoc())
	html, err := RenderSnapshotHTML(snap)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Anxiety Plan", "Version 3", "goal-1", "Reduce panic attacks", "Client presents with panic disorder."} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderSnapshotHTMLEscapesContent(t *testing.T) {
	doc := plan.Document{
		Goals: []plan.Item{{ID: "goal-1", Attrs: json.RawMessage(`{"title":"<script>alert(1)</script>"}`)}},
	}
	snap := BuildSnapshot("plan-1", "Plan", "client-7", 1, ViewTherapist, "therapist-1", doc)
	html, err := RenderSnapshotHTML(snap)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("item attributes must be HTML-escaped")
	}
}

func TestExportHTMLFormat(t *testing.T) {
	snap := BuildSnapshot("plan-1", "Anxiety Mood Plan", "client-7", 2, ViewClient, "therapist-1", sampleDoc())
	res, err := Export(snap, FormatHTML)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.MimeType != "text/html; charset=utf-8" {
		t.Errorf("mime type = %q", res.MimeType)
	}
	if res.Filename != "Anxiety-Mood-Plan-v2-client.html" {
		t.Errorf("filename = %q", res.Filename)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	snap := BuildSnapshot("plan-1", "Plan", "client-7", 1, ViewClient, "therapist-1", plan.Document{})
	if _, err := Export(snap, Format("docx")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b<c>")
	if got != "a%20b%3Cc%3E" {
		t.Errorf("encoded = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Anxiety Plan", "Anxiety-Plan"},
		{"!!!", "plan"},
		{"weekly_check-in", "weekly_check-in"},
	}
	for _, tc := range tests {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
