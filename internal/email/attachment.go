package email

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

// AttachmentFetcher streams single MIME parts to a caller supplied sink.
type AttachmentFetcher struct {
	tuning config.Tuning
	logger *logrus.Logger
}

// NewAttachmentFetcher creates a fetcher.
func NewAttachmentFetcher(tuning config.Tuning, logger *logrus.Logger) *AttachmentFetcher {
	return &AttachmentFetcher{tuning: tuning, logger: logger}
}

func (f *AttachmentFetcher) chunkSize() int64 {
	if f.tuning.PartChunkSize > 0 {
		return int64(f.tuning.PartChunkSize)
	}
	return int64(config.DefaultTuning().PartChunkSize)
}

// sinkWriter records write failures so they can be told apart from read
// failures on the server side.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// FetchPart downloads the part described by desc in chunks, decodes its
// transfer encoding and writes the content to sink. It returns the number
// of decoded bytes written. Nothing is retried; on failure the sink holds a
// partial result that the caller discards.
func (f *AttachmentFetcher) FetchPart(ctx context.Context, op *progress.Operation, session Session, account, path string, uid uint32, desc types.AttachmentDescriptor, sink io.Writer) (int64, error) {
	label := "Fetching attachment"
	if desc.FileName != "" {
		label += " " + desc.FileName
	}
	total := int64(desc.Size)
	op.SetStatus(progress.ByteStatus(label, 0, total)) //nolint:errcheck

	r := &chunkReader{
		ctx:     ctx,
		op:      op,
		session: session,
		account: account,
		path:    path,
		uid:     uid,
		part:    desc.PartPath,
		chunk:   f.chunkSize(),
		onChunk: func(done int64) {
			op.Progress(done, total)                             //nolint:errcheck
			op.SetStatus(progress.ByteStatus(label, done, total)) //nolint:errcheck
		},
	}

	var h message.Header
	if desc.Encoding != "" {
		h.Set("Content-Transfer-Encoding", desc.Encoding)
	}
	entity, err := message.New(h, r)
	if err != nil && !message.IsUnknownEncoding(err) {
		return 0, inFolder(newError(KindProtocol, "fetch attachment", account, err), path)
	}
	if message.IsUnknownEncoding(err) {
		f.logger.WithField("encoding", desc.Encoding).Warn("Unknown transfer encoding, writing raw part")
	}

	out := &sinkWriter{w: sink}
	n, err := io.Copy(out, entity.Body)
	if err != nil {
		if out.err != nil {
			return n, inFolder(newError(KindIO, "write attachment", account, out.err), path)
		}
		var e *Error
		if !errors.As(err, &e) && !isCancellation(err) {
			// Decoder errors surface as plain errors from the body reader.
			return n, inFolder(newError(KindProtocol, "decode attachment", account, fmt.Errorf("part %s: %w", desc.PartPath, err)), path)
		}
		return n, r.failure("fetch attachment", err)
	}

	f.logger.WithFields(logrus.Fields{
		"account": account,
		"folder":  path,
		"uid":     uid,
		"part":    desc.PartPath,
		"bytes":   n,
	}).Debug("Fetched attachment")
	return n, nil
}
