package archive

import "errors"

var (
	ErrEndpointNotFound = errors.New("archive: endpoint not found")
	ErrEndpointExists   = errors.New("archive: endpoint already exists")
	ErrEndpointHalted   = errors.New("archive: endpoint halted")
	ErrInvalidName      = errors.New("archive: invalid endpoint name")
	ErrVersionConflict  = errors.New("archive: version conflict")
	ErrInvalidRequest   = errors.New("archive: invalid request")
	ErrMissingBlob      = errors.New("archive: missing blob")
	ErrBlobMismatch     = errors.New("archive: blob does not match its hash")
	ErrArchiveLocked    = errors.New("archive: root is used by another process")
)
