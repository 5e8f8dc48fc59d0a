package types

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestCanTransitionSession(t *testing.T) {
	c := qt.New(t)

	testcases := []struct {
		name string
		from UploadSessionStatus
		to   UploadSessionStatus
		want bool
	}{
		{"forward initiated to parts", UploadSessionStatusInitiated, UploadSessionStatusPartsInFlight, true},
		{"forward parts to completing", UploadSessionStatusPartsInFlight, UploadSessionStatusCompleting, true},
		{"forward completing to completed", UploadSessionStatusCompleting, UploadSessionStatusCompleted, true},
		{"skip ahead is allowed", UploadSessionStatusInitiated, UploadSessionStatusCompleted, true},
		{"no backwards move", UploadSessionStatusCompleting, UploadSessionStatusPartsInFlight, false},
		{"same status is a no-op", UploadSessionStatusPartsInFlight, UploadSessionStatusPartsInFlight, true},
		{"abort from initiated", UploadSessionStatusInitiated, UploadSessionStatusAborted, true},
		{"abort from completing", UploadSessionStatusCompleting, UploadSessionStatusAborted, true},
		{"fail from parts in flight", UploadSessionStatusPartsInFlight, UploadSessionStatusFailed, true},
		{"completed is immutable", UploadSessionStatusCompleted, UploadSessionStatusAborted, false},
		{"aborted is immutable", UploadSessionStatusAborted, UploadSessionStatusCompleted, false},
		{"failed is immutable", UploadSessionStatusFailed, UploadSessionStatusCompleting, false},
		{"unknown source", UploadSessionStatus("BOGUS"), UploadSessionStatusCompleted, false},
		{"unknown target", UploadSessionStatusInitiated, UploadSessionStatus("BOGUS"), false},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(CanTransitionSession(tc.from, tc.to), qt.Equals, tc.want)
		})
	}
}

func TestIsSessionTerminal(t *testing.T) {
	c := qt.New(t)

	c.Check(IsSessionTerminal(UploadSessionStatusCompleted), qt.IsTrue)
	c.Check(IsSessionTerminal(UploadSessionStatusAborted), qt.IsTrue)
	c.Check(IsSessionTerminal(UploadSessionStatusFailed), qt.IsTrue)
	c.Check(IsSessionTerminal(UploadSessionStatusInitiated), qt.IsFalse)
	c.Check(IsSessionTerminal(UploadSessionStatusPartsInFlight), qt.IsFalse)
	c.Check(IsSessionTerminal(UploadSessionStatusCompleting), qt.IsFalse)
}

func TestCanTransitionDocument(t *testing.T) {
	c := qt.New(t)

	testcases := []struct {
		name string
		from DocumentProcessStatus
		to   DocumentProcessStatus
		want bool
	}{
		{"queued to extracting", DocumentProcessStatusQueued, DocumentProcessStatusExtracting, true},
		{"extracting to chunking", DocumentProcessStatusExtracting, DocumentProcessStatusChunking, true},
		{"chunking to embedding", DocumentProcessStatusChunking, DocumentProcessStatusEmbedding, true},
		{"embedding to storing", DocumentProcessStatusEmbedding, DocumentProcessStatusStoring, true},
		{"storing to completed", DocumentProcessStatusStoring, DocumentProcessStatusCompleted, true},
		{"skip ahead is allowed", DocumentProcessStatusQueued, DocumentProcessStatusEmbedding, true},
		{"no backwards move", DocumentProcessStatusEmbedding, DocumentProcessStatusChunking, false},
		{"same status is a no-op", DocumentProcessStatusStoring, DocumentProcessStatusStoring, true},
		{"fail from any running stage", DocumentProcessStatusChunking, DocumentProcessStatusFailed, true},
		{"fail from queued", DocumentProcessStatusQueued, DocumentProcessStatusFailed, true},
		{"completed is immutable", DocumentProcessStatusCompleted, DocumentProcessStatusFailed, false},
		{"failed is immutable", DocumentProcessStatusFailed, DocumentProcessStatusQueued, false},
		{"failed cannot complete", DocumentProcessStatusFailed, DocumentProcessStatusCompleted, false},
		{"unknown source", DocumentProcessStatus("BOGUS"), DocumentProcessStatusCompleted, false},
		{"unknown target", DocumentProcessStatusQueued, DocumentProcessStatus("BOGUS"), false},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(CanTransitionDocument(tc.from, tc.to), qt.Equals, tc.want)
		})
	}
}

func TestDocumentStatusRank(t *testing.T) {
	c := qt.New(t)

	// The forward path ranks strictly increasing, FAILED above every running
	// stage, unknown statuses below everything.
	ordered := []DocumentProcessStatus{
		DocumentProcessStatusQueued,
		DocumentProcessStatusExtracting,
		DocumentProcessStatusChunking,
		DocumentProcessStatusEmbedding,
		DocumentProcessStatusStoring,
		DocumentProcessStatusCompleted,
	}
	for i := 1; i < len(ordered); i++ {
		c.Check(DocumentStatusRank(ordered[i]) > DocumentStatusRank(ordered[i-1]), qt.IsTrue,
			qt.Commentf("%s should rank above %s", ordered[i], ordered[i-1]))
	}

	c.Check(DocumentStatusRank(DocumentProcessStatusFailed) > DocumentStatusRank(DocumentProcessStatusStoring), qt.IsTrue)
	c.Check(DocumentStatusRank(DocumentProcessStatus("BOGUS")), qt.Equals, -1)
}
