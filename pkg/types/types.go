package types

import (
	"github.com/gofrs/uuid"
)

type (
	// Upload session unique identifier
	SessionUIDType = uuid.UUID
	// Document unique identifier (equal to the originating session UID)
	DocumentUIDType = uuid.UUID
	// Text chunk unique identifier
	ChunkUIDType = uuid.UUID
	// Embedding unique identifier
	EmbeddingUIDType = uuid.UUID
)

// UploadSessionStatus represents the lifecycle state of a multipart upload
// session.
type UploadSessionStatus string

const (
	// UploadSessionStatusInitiated means the session exists but no part has
	// been received yet.
	UploadSessionStatusInitiated UploadSessionStatus = "INITIATED"
	// UploadSessionStatusPartsInFlight means at least one part has been
	// accepted.
	UploadSessionStatusPartsInFlight UploadSessionStatus = "PARTS_IN_FLIGHT"
	// UploadSessionStatusCompleting means completion has been requested and
	// the parts are being composed into the final object.
	UploadSessionStatusCompleting UploadSessionStatus = "COMPLETING"
	// UploadSessionStatusCompleted means the object has been assembled. This
	// state is terminal and immutable.
	UploadSessionStatusCompleted UploadSessionStatus = "COMPLETED"
	// UploadSessionStatusAborted means the session was canceled and its
	// remote parts discarded. Terminal.
	UploadSessionStatusAborted UploadSessionStatus = "ABORTED"
	// UploadSessionStatusFailed means composition failed irrecoverably.
	// Terminal.
	UploadSessionStatusFailed UploadSessionStatus = "FAILED"
)

// sessionStatusRank orders the forward path of a session. Terminal failure
// states are handled separately in CanTransitionSession.
var sessionStatusRank = map[UploadSessionStatus]int{
	UploadSessionStatusInitiated:     0,
	UploadSessionStatusPartsInFlight: 1,
	UploadSessionStatusCompleting:    2,
	UploadSessionStatusCompleted:     3,
}

// IsSessionTerminal reports whether no further transitions are allowed.
func IsSessionTerminal(s UploadSessionStatus) bool {
	return s == UploadSessionStatusCompleted || s == UploadSessionStatusAborted || s == UploadSessionStatusFailed
}

// CanTransitionSession reports whether a session status change is legal:
// forward-only along the lifecycle, with ABORTED/FAILED reachable from any
// non-terminal state.
func CanTransitionSession(from, to UploadSessionStatus) bool {
	if from == to {
		return true
	}
	if IsSessionTerminal(from) {
		return false
	}
	if to == UploadSessionStatusAborted || to == UploadSessionStatusFailed {
		return true
	}
	fromRank, ok := sessionStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := sessionStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// DocumentProcessStatus represents the pipeline stage a document is in.
type DocumentProcessStatus string

const (
	// DocumentProcessStatusQueued means the document is waiting for the
	// pipeline to pick it up.
	DocumentProcessStatusQueued DocumentProcessStatus = "QUEUED"
	// DocumentProcessStatusExtracting means text extraction is running.
	DocumentProcessStatusExtracting DocumentProcessStatus = "EXTRACTING"
	// DocumentProcessStatusChunking means the extracted text is being split.
	DocumentProcessStatusChunking DocumentProcessStatus = "CHUNKING"
	// DocumentProcessStatusEmbedding means vectors are being computed.
	DocumentProcessStatusEmbedding DocumentProcessStatus = "EMBEDDING"
	// DocumentProcessStatusStoring means chunk and embedding rows are being
	// committed.
	DocumentProcessStatusStoring DocumentProcessStatus = "STORING"
	// DocumentProcessStatusCompleted is terminal. Chunk and embedding counts
	// are immutable from here on.
	DocumentProcessStatusCompleted DocumentProcessStatus = "COMPLETED"
	// DocumentProcessStatusFailed is terminal, reached after retry
	// exhaustion or a terminal content failure.
	DocumentProcessStatusFailed DocumentProcessStatus = "FAILED"
)

var documentStatusRank = map[DocumentProcessStatus]int{
	DocumentProcessStatusQueued:     0,
	DocumentProcessStatusExtracting: 1,
	DocumentProcessStatusChunking:   2,
	DocumentProcessStatusEmbedding:  3,
	DocumentProcessStatusStoring:    4,
	DocumentProcessStatusCompleted:  5,
}

// IsDocumentTerminal reports whether the pipeline is done with the document.
func IsDocumentTerminal(s DocumentProcessStatus) bool {
	return s == DocumentProcessStatusCompleted || s == DocumentProcessStatusFailed
}

// DocumentStatusRank returns the position of a status on the forward path,
// with FAILED ranked above every running stage. Unknown statuses rank -1.
func DocumentStatusRank(s DocumentProcessStatus) int {
	if s == DocumentProcessStatusFailed {
		return len(documentStatusRank)
	}
	if r, ok := documentStatusRank[s]; ok {
		return r
	}
	return -1
}

// CanTransitionDocument reports whether a document status change is legal:
// strictly forward along the stage order, with FAILED reachable from any
// non-terminal state.
func CanTransitionDocument(from, to DocumentProcessStatus) bool {
	if from == to {
		return true
	}
	if IsDocumentTerminal(from) {
		return false
	}
	if to == DocumentProcessStatusFailed {
		return true
	}
	fromRank, ok := documentStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := documentStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
