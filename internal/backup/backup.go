// Package backup reads and writes portable CBOR snapshots of the template
// store, used to move records between backends.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/your-org/fpmatch/internal/models"
)

// FormatVersion is bumped on incompatible layout changes.
const FormatVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported backup version")

type Snapshot struct {
	Version      int                  `cbor:"1,keyasint"`
	ExportedAt   time.Time            `cbor:"2,keyasint"`
	Fingerprints []models.Fingerprint `cbor:"3,keyasint"`
}

// Source lists every record, ordered by id.
type Source interface {
	FindAll(ctx context.Context) ([]models.Fingerprint, error)
}

// Sink stores a record under its own id, keeping its creation time.
type Sink interface {
	Restore(ctx context.Context, fp *models.Fingerprint) (bool, error)
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Export writes every record of src to w and returns the record count.
func Export(ctx context.Context, src Source, w io.Writer) (int, error) {
	records, err := src.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list fingerprints: %w", err)
	}
	snap := Snapshot{
		Version:      FormatVersion,
		ExportedAt:   time.Now().UTC().Truncate(time.Second),
		Fingerprints: records,
	}
	if err := encMode.NewEncoder(w).Encode(snap); err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	return len(records), nil
}

// Read decodes a snapshot from r.
func Read(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	return &snap, nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Created  int
	Replaced int
}

// Import writes every record in snap into dst, keeping ids and creation
// times.
func Import(ctx context.Context, dst Sink, snap *Snapshot) (ImportResult, error) {
	var res ImportResult
	for i := range snap.Fingerprints {
		fp := snap.Fingerprints[i]
		if len(fp.Template) == 0 {
			return res, fmt.Errorf("record %d has an empty template", fp.ID)
		}
		replaced, err := dst.Restore(ctx, &fp)
		if err != nil {
			return res, fmt.Errorf("import fingerprint %d: %w", fp.ID, err)
		}
		if replaced {
			res.Replaced++
		} else {
			res.Created++
		}
	}
	return res, nil
}
