package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"threadlink/api/internal/chat"
)

const defaultMaxBytes = 64 << 20

// Archive is a chat.ByteSource that copies every attachment it reads from
// the primary source into the store, and serves from the store when the
// primary source fails.
type Archive struct {
	primary  chat.ByteSource
	store    Store
	logger   *slog.Logger
	maxBytes int64
}

var _ chat.ByteSource = (*Archive)(nil)

func NewArchive(primary chat.ByteSource, store Store, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{primary: primary, store: store, logger: logger, maxBytes: defaultMaxBytes}
}

func objectKey(ref string) string {
	return "attachments/" + url.PathEscape(ref)
}

func (a *Archive) OpenAttachment(ctx context.Context, ref string) (io.ReadCloser, error) {
	rc, err := a.primary.OpenAttachment(ctx, ref)
	if err != nil {
		archived, archiveErr := a.store.Get(ctx, objectKey(ref))
		if archiveErr != nil {
			return nil, fmt.Errorf("open attachment %s: %w (archive: %v)", ref, err, archiveErr)
		}
		a.logger.Info("blob: serving attachment from archive", "ref", ref, "error", err)
		return archived, nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", ref, err)
	}
	if int64(len(data)) > a.maxBytes {
		return nil, fmt.Errorf("attachment %s larger than %d bytes", ref, a.maxBytes)
	}
	if err := a.store.Put(ctx, objectKey(ref), data, http.DetectContentType(data)); err != nil {
		a.logger.Warn("blob: archive write failed", "ref", ref, "error", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
