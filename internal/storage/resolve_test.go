package storage

import "testing"

func strPtr(value string) *string { return &value }

func int64Ptr(value int64) *int64 { return &value }

func TestApplyDocumentInputInsertDefaultsCreatedAt(t *testing.T) {
	doc := ApplyDocumentInput(nil, DocumentInput{DocID: "doc-1", Title: strPtr("First")}, 1700000000)
	if doc.CreatedAtSeconds != 1700000000 {
		t.Fatalf("expected created at to default to now, got %d", doc.CreatedAtSeconds)
	}
	if doc.UpdatedAtSeconds != 1700000000 {
		t.Fatalf("expected updated at stamp, got %d", doc.UpdatedAtSeconds)
	}
	if doc.Title == nil || *doc.Title != "First" {
		t.Fatalf("expected title to be applied")
	}
	if doc.SavedAtSeconds != nil {
		t.Fatalf("expected new document outside the saved set")
	}
}

func TestApplyDocumentInputUpdatePreservesCreatedAtAndSavedAt(t *testing.T) {
	existing := Document{
		DocID:            "doc-1",
		Title:            strPtr("Old"),
		CreatedAtSeconds: 1600000000,
		UpdatedAtSeconds: 1600000100,
		SavedAtSeconds:   int64Ptr(1600000200),
	}
	doc := ApplyDocumentInput(&existing, DocumentInput{DocID: "doc-1"}, 1700000000)
	if doc.CreatedAtSeconds != 1600000000 {
		t.Fatalf("expected created at preserved, got %d", doc.CreatedAtSeconds)
	}
	if doc.SavedAtSeconds == nil || *doc.SavedAtSeconds != 1600000200 {
		t.Fatalf("expected saved at preserved, got %#v", doc.SavedAtSeconds)
	}
	if doc.Title == nil || *doc.Title != "Old" {
		t.Fatalf("expected title preserved when not supplied")
	}
	if doc.UpdatedAtSeconds != 1700000000 {
		t.Fatalf("expected updated at restamped, got %d", doc.UpdatedAtSeconds)
	}
}

func TestApplyDocumentInputExplicitSavedAtClear(t *testing.T) {
	existing := Document{
		DocID:            "doc-1",
		CreatedAtSeconds: 1600000000,
		SavedAtSeconds:   int64Ptr(1600000200),
	}
	doc := ApplyDocumentInput(&existing, DocumentInput{DocID: "doc-1", SetSavedAt: true}, 1700000000)
	if doc.SavedAtSeconds != nil {
		t.Fatalf("expected saved at cleared, got %#v", doc.SavedAtSeconds)
	}
}

func TestApplyDocumentInputUpdatedAtNeverBelowCreatedAt(t *testing.T) {
	doc := ApplyDocumentInput(nil, DocumentInput{DocID: "doc-1", CreatedAtSeconds: int64Ptr(1800000000)}, 1700000000)
	if doc.UpdatedAtSeconds != 1800000000 {
		t.Fatalf("expected updated at clamped to created at, got %d", doc.UpdatedAtSeconds)
	}
}

func TestResolveAnnotationUpsertBumpsVersion(t *testing.T) {
	first := ResolveAnnotationUpsert(nil, Annotation{AnnotationID: "a-1", DocID: "doc-1", Kind: "highlight"}, 1700000000)
	if first.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", first.Version)
	}
	if first.State != AnnotationStateActive {
		t.Fatalf("expected default state active, got %q", first.State)
	}
	second := ResolveAnnotationUpsert(&first, Annotation{AnnotationID: "a-1", DocID: "doc-1", Kind: "highlight"}, 1700000100)
	if second.Version != 2 {
		t.Fatalf("expected version bump, got %d", second.Version)
	}
	if second.CreatedAtSeconds != 1700000000 {
		t.Fatalf("expected creation time preserved, got %d", second.CreatedAtSeconds)
	}
}

func TestResolveListOrderDefaults(t *testing.T) {
	cases := []struct {
		name      string
		opts      ListDocumentsOptions
		wantField OrderField
		wantDesc  bool
	}{
		{"unspecified", ListDocumentsOptions{}, OrderByUpdatedAt, true},
		{"unspecified saved only", ListDocumentsOptions{SavedOnly: true}, OrderBySavedAt, true},
		{"explicit title ascending", ListDocumentsOptions{OrderBy: OrderByTitle}, OrderByTitle, false},
		{"explicit created descending", ListDocumentsOptions{OrderBy: OrderByCreatedAt, Descending: true}, OrderByCreatedAt, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			field, desc := ResolveListOrder(tc.opts)
			if field != tc.wantField || desc != tc.wantDesc {
				t.Fatalf("got (%q, %v), want (%q, %v)", field, desc, tc.wantField, tc.wantDesc)
			}
		})
	}
}
