package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/moonbridge/moonbridge/pkg/ids"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// AttachFile registers uploaded content, deduplicated by SHA-256. Uploading
// the same bytes twice returns the original FileRef regardless of name or
// metadata on the second upload.
func (s *Service) AttachFile(ctx context.Context, data []byte, contentType, originPath string) (*types.FileRef, error) {
	sum := sha256.Sum256(data)
	ref := &types.FileRef{
		ID:          ids.New(),
		SHA256:      hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
		ContentType: contentType,
		OriginPath:  originPath,
		CreatedAt:   s.now(),
	}

	stored, err := s.store.DedupUpsertFile(ctx, ref)
	if err != nil {
		metrics.RepositoryErrors.WithLabelValues("upsert_file").Inc()
		return nil, types.NewError(types.ErrRepositoryUnavailable, "register file: %v", err)
	}
	return stored, nil
}

// GetFile looks up a registered file by id
func (s *Service) GetFile(ctx context.Context, id string) (*types.FileRef, error) {
	ref, err := s.store.GetFile(ctx, id)
	if err == storage.ErrNotFound {
		return nil, types.NewError(types.ErrInvalidRequest, "unknown file %q", id)
	}
	if err != nil {
		metrics.RepositoryErrors.WithLabelValues("get_file").Inc()
		return nil, types.NewError(types.ErrRepositoryUnavailable, "load file: %v", err)
	}
	return ref, nil
}

// EnsureProviderFile returns the provider-side id for a file, uploading it
// to the provider the first time. The mapping persists on the FileRef so a
// file uploaded once is reused across calls and conversations.
func (s *Service) EnsureProviderFile(ctx context.Context, ref *types.FileRef, p provider.Provider, data []byte) (string, error) {
	if id, ok := ref.ProviderIDs[p.Name()]; ok {
		return id, nil
	}

	externalID, err := p.UploadFile(ctx, data, provider.FileMeta{
		Name:        ref.OriginPath,
		ContentType: ref.ContentType,
	})
	if err != nil {
		return "", err
	}

	if err := s.store.LinkProviderFile(ctx, ref.ID, p.Name(), externalID); err != nil {
		metrics.RepositoryErrors.WithLabelValues("link_file").Inc()
		log.WithComponent("conversation").Warn().Err(err).
			Str("file_id", ref.ID).
			Str("provider", p.Name()).
			Msg("provider file link not persisted")
	}
	if ref.ProviderIDs == nil {
		ref.ProviderIDs = make(map[string]string)
	}
	ref.ProviderIDs[p.Name()] = externalID
	return externalID, nil
}
