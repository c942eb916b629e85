package service

import (
	"context"
	"time"

	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"golang.org/x/sys/unix"
)

const statFsBlockSize = 4096

// StatFs combines the metadata totals with the free space of the
// filesystem holding the content root.
func (s *fileSystemService) StatFs(ctx context.Context) (out *models.StatFs, err error) {
	const op = "service.fileSystemService.StatFs"
	defer s.observe("statfs", time.Now(), &err)

	stats, err := s.meta.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	out = &models.StatFs{
		Inodes:    stats.Inodes,
		Bytes:     stats.Bytes,
		BlockSize: statFsBlockSize,
		NameMax:   metadata.MaxNameLen,
	}

	if s.opts.StatFsPath != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(s.opts.StatFsPath, &st); err != nil {
			return nil, fserrors.Wrap(fserrors.IOError, op, err)
		}
		out.BlockSize = uint32(st.Bsize)
		out.FreeBytes = st.Bavail * uint64(st.Bsize)
		out.TotalBytes = st.Blocks * uint64(st.Bsize)
	}
	return out, nil
}
