package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/your-org/fpmatch/internal/storage"
)

// ArchiveReader returns the archived copy of a registered template.
type ArchiveReader interface {
	GetTemplate(ctx context.Context, id int64) ([]byte, error)
}

// ArchiveWriter replaces the archived copy of a registered template.
type ArchiveWriter interface {
	PutTemplate(ctx context.Context, id int64, template []byte) (string, error)
}

// ArchiveReport lists records whose archived copy is absent or differs from
// the store.
type ArchiveReport struct {
	Checked    int
	Missing    []int64
	Mismatched []int64
	Repaired   int
}

// OK reports whether every record had an identical archived copy.
func (r ArchiveReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0
}

// VerifyArchive compares every stored template with its archived copy. When
// repair is non-nil, missing and mismatched copies are rewritten from the
// store.
func VerifyArchive(ctx context.Context, src Source, archive ArchiveReader, repair ArchiveWriter) (ArchiveReport, error) {
	var report ArchiveReport
	records, err := src.FindAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list fingerprints: %w", err)
	}
	for _, fp := range records {
		report.Checked++
		archived, err := archive.GetTemplate(ctx, fp.ID)
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			report.Missing = append(report.Missing, fp.ID)
		case err != nil:
			return report, fmt.Errorf("read archived template %d: %w", fp.ID, err)
		case !bytes.Equal(archived, fp.Template):
			report.Mismatched = append(report.Mismatched, fp.ID)
		default:
			continue
		}
		if repair == nil {
			continue
		}
		if _, err := repair.PutTemplate(ctx, fp.ID, fp.Template); err != nil {
			return report, fmt.Errorf("repair archived template %d: %w", fp.ID, err)
		}
		report.Repaired++
	}
	return report, nil
}
