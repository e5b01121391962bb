package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDocIDValidation(t *testing.T) {
	if _, err := NewDocID("  "); !errors.Is(err, ErrInvalidDocID) {
		t.Fatalf("expected invalid doc id error, got %v", err)
	}
	if _, err := NewDocID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidDocID) {
		t.Fatalf("expected length rejection, got %v", err)
	}
	id, err := NewDocID(" doc-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "doc-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestNewActorIDValidation(t *testing.T) {
	if _, err := NewActorID(""); !errors.Is(err, ErrInvalidActorID) {
		t.Fatalf("expected invalid actor id error, got %v", err)
	}
	id, err := NewActorID("device-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "device-7" {
		t.Fatalf("unexpected actor id %q", id.String())
	}
}

func TestJobStatusClassification(t *testing.T) {
	terminal := []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCanceled}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("expected %q to be terminal", status)
		}
		if status.Running() {
			t.Fatalf("expected %q not to be running", status)
		}
	}
	running := []JobStatus{JobStatusIngesting, JobStatusNormalizing, JobStatusStoring}
	for _, status := range running {
		if status.Terminal() {
			t.Fatalf("expected %q not to be terminal", status)
		}
		if !status.Running() {
			t.Fatalf("expected %q to be running", status)
		}
	}
	if JobStatusQueued.Terminal() || JobStatusQueued.Running() {
		t.Fatalf("expected queued to be neither terminal nor running")
	}
}
