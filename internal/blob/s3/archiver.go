package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// ObjectWriter is the upload side of the archive.
type ObjectWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ObjectChecker reports whether a key is already present.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.SettlementArchiver. Each finalized settlement is
// written once to settlements/<marketId>.json; the proof bundle alone is also
// written to proofs/<marketId>.json so verifiers can fetch it without the
// payout list.
type Archiver struct {
	writer  ObjectWriter
	checker ObjectChecker // optional
	audit   domain.AuditStore
}

// NewArchiver creates an Archiver. checker and audit may be nil.
func NewArchiver(writer ObjectWriter, checker ObjectChecker, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, checker: checker, audit: audit}
}

// ArchiveSettlement uploads rec unless its object already exists.
func (a *Archiver) ArchiveSettlement(ctx context.Context, rec domain.SettlementRecord) error {
	id := rec.Result.MarketID
	path := settlementPath(id)

	if a.checker != nil {
		exists, err := a.checker.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: archive settlement %s: %w", id, err)
		}
		if exists {
			return nil
		}
	}

	body, err := marshalIndented(rec)
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement %s marshal: %w", id, err)
	}
	if err := a.upload(ctx, path, body); err != nil {
		return fmt.Errorf("s3blob: archive settlement %s upload: %w", id, err)
	}

	if rec.Result.Proof != nil {
		proof, err := marshalIndented(rec.Result.Proof)
		if err != nil {
			return fmt.Errorf("s3blob: archive proof %s marshal: %w", id, err)
		}
		if err := a.upload(ctx, proofPath(id), proof); err != nil {
			return fmt.Errorf("s3blob: archive proof %s upload: %w", id, err)
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"path":     path,
			"marketId": string(id),
			"bytes":    len(body),
			"proof":    rec.Result.Proof != nil,
		}); err != nil {
			return fmt.Errorf("s3blob: archive settlement %s audit log: %w", id, err)
		}
	}
	return nil
}

// upload switches to a multipart upload once the body reaches the minimum
// part size.
func (a *Archiver) upload(ctx context.Context, path string, body []byte) error {
	if int64(len(body)) >= minPartSize {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(body), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(body), "application/json")
}

func settlementPath(id domain.MarketID) string {
	return fmt.Sprintf("settlements/%s.json", id)
}

func proofPath(id domain.MarketID) string {
	return fmt.Sprintf("proofs/%s.json", id)
}

func marshalIndented(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ domain.SettlementArchiver = (*Archiver)(nil)
