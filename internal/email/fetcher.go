package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
	"github.com/brandon/mailsync/pkg/types"
)

// EnvelopeBatch is the result of an envelope fetch. Failed lists the ids
// whose envelopes were not received.
type EnvelopeBatch struct {
	Messages []types.Message
	Failed   []uint32
}

// MessageFetcher retrieves envelopes in batches and bodies on demand.
type MessageFetcher struct {
	tuning config.Tuning
	logger *logrus.Logger
}

// NewMessageFetcher creates a fetcher.
func NewMessageFetcher(tuning config.Tuning, logger *logrus.Logger) *MessageFetcher {
	return &MessageFetcher{tuning: tuning, logger: logger}
}

func (f *MessageFetcher) batchSize() int {
	if f.tuning.EnvelopeBatchSize > 0 {
		return f.tuning.EnvelopeBatchSize
	}
	return config.DefaultTuning().EnvelopeBatchSize
}

// FetchEnvelopes fetches the envelopes of uids in batches. Everything that
// arrived is returned even when an error stops the fetch. A protocol error
// fails the rest of its batch and the next batch proceeds; connection level
// errors and cancellation stop the fetch.
func (f *MessageFetcher) FetchEnvelopes(ctx context.Context, op *progress.Operation, session Session, account, path string, uids []uint32) (*EnvelopeBatch, error) {
	batch := &EnvelopeBatch{}
	size := f.batchSize()
	total := int64(len(uids))

	for start := 0; start < len(uids); start += size {
		end := start + size
		if end > len(uids) {
			end = len(uids)
		}
		if err := op.Err(); err != nil {
			batch.Failed = append(batch.Failed, uids[start:]...)
			return batch, inFolder(cancelled("fetch envelopes", account, err), path)
		}

		chunk := uids[start:end]
		received := make(map[uint32]bool, len(chunk))
		err := session.FetchEnvelopes(ctx, path, chunk, func(m types.Message) {
			if received[m.UID] {
				return
			}
			received[m.UID] = true
			m.AccountName = account
			m.FolderPath = path
			batch.Messages = append(batch.Messages, m)
		})

		for _, uid := range chunk {
			if !received[uid] {
				batch.Failed = append(batch.Failed, uid)
			}
		}
		op.Progress(int64(len(batch.Messages)), total) //nolint:errcheck

		if err != nil {
			if IsConnectionLevel(err) || KindOf(err) == KindCancelled {
				batch.Failed = append(batch.Failed, uids[end:]...)
				return batch, err
			}
			f.logger.WithError(err).WithFields(logrus.Fields{
				"account": account,
				"folder":  path,
				"batch":   len(chunk),
			}).Warn("Envelope batch failed, continuing")
		}
	}

	return batch, nil
}

func (f *MessageFetcher) bodyChunk() int64 {
	if f.tuning.BodyChunkSize > 0 {
		return int64(f.tuning.BodyChunkSize)
	}
	return int64(config.DefaultTuning().BodyChunkSize)
}

// FetchBody downloads the raw message in chunks and parses it. sizeHint is
// used for progress only and may be zero.
func (f *MessageFetcher) FetchBody(ctx context.Context, op *progress.Operation, session Session, account, path string, uid uint32, sizeHint int64) (*types.Body, error) {
	op.SetStatus("Fetching message body...") //nolint:errcheck

	r := &chunkReader{
		ctx:     ctx,
		op:      op,
		session: session,
		account: account,
		path:    path,
		uid:     uid,
		chunk:   f.bodyChunk(),
		onChunk: func(done int64) {
			op.Progress(done, sizeHint) //nolint:errcheck
		},
	}

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, r); err != nil {
		return nil, r.failure("fetch body", err)
	}

	body, err := parseBody(raw.Bytes())
	if err != nil {
		return nil, inFolder(newError(KindProtocol, "parse body", account, err), path)
	}

	f.logger.WithFields(logrus.Fields{
		"account":     account,
		"folder":      path,
		"uid":         uid,
		"bytes":       raw.Len(),
		"attachments": len(body.Attachments),
	}).Debug("Fetched message body")
	return body, nil
}

// parseBody extracts text, HTML and attachment descriptors from a raw
// RFC 5322 message.
func parseBody(raw []byte) (*types.Body, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	body := &types.Body{Text: env.Text, HTML: env.HTML}

	body.Attachments, err = describeParts(raw)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// describeParts walks the MIME tree and returns descriptors using IMAP part
// numbering.
func describeParts(raw []byte) ([]types.AttachmentDescriptor, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownEncoding(err) && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	var out []types.AttachmentDescriptor
	err = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownEncoding(err) && !message.IsUnknownCharset(err) {
			return err
		}
		mediaType, params, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		disposition, dispParams, _ := part.Header.ContentDisposition()
		name := dispParams["filename"]
		if name == "" {
			name = params["name"]
		}
		if name == "" && disposition != "attachment" {
			return nil
		}
		n, _ := io.Copy(io.Discard, part.Body)
		out = append(out, types.AttachmentDescriptor{
			PartPath: imapPartPath(path),
			FileName: name,
			MIMEType: mediaType,
			Encoding: strings.ToLower(part.Header.Get("Content-Transfer-Encoding")),
			Size:     uint32(n),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk message parts: %w", err)
	}
	return out, nil
}

// imapPartPath converts a zero-based walk path to IMAP numbering, where a
// single-part message body is part 1.
func imapPartPath(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	nums := make([]int, len(path))
	for i, p := range path {
		nums[i] = p + 1
	}
	return partPath(nums)
}

// chunkReader reads a message part through successive partial fetches.
// Cancellation is checked before every chunk.
type chunkReader struct {
	ctx     context.Context
	op      *progress.Operation
	session Session
	account string
	path    string
	uid     uint32
	part    string
	chunk   int64
	onChunk func(done int64)

	offset int64
	buf    []byte
	eof    bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.op.Err(); err != nil {
			return 0, err
		}
		data, err := r.session.FetchPartChunk(r.ctx, r.path, r.uid, r.part, r.offset, r.chunk)
		if err != nil {
			return 0, err
		}
		r.offset += int64(len(data))
		r.buf = data
		if int64(len(data)) < r.chunk {
			r.eof = true
		}
		if r.onChunk != nil {
			r.onChunk(r.offset)
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// failure classifies an error that stopped the stream.
func (r *chunkReader) failure(op string, err error) error {
	if isCancellation(err) {
		return inFolder(cancelled(op, r.account, err), r.path)
	}
	return inFolder(classify(op, r.account, err), r.path)
}
