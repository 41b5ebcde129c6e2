// Package media handles inbound media payloads: download through the
// protocol client, upload to object storage, and signed-URL generation.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	storage_go "github.com/supabase-community/storage-go"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
)

// AudioDownloader decrypts and fetches an audio payload. Satisfied by a
// thin adapter over the protocol client; an interface here keeps the
// processor testable.
type AudioDownloader interface {
	DownloadAudio(ctx context.Context, msg *waE2E.AudioMessage) ([]byte, error)
}

// Result describes a stored media object.
type Result struct {
	URL      string
	MimeType string
	FileSize int64
}

// Config holds object storage settings for the processor.
type Config struct {
	// Bucket is the primary audio bucket.
	Bucket string
	// FallbackBucket is used when the primary bucket cannot be created
	// (typically a permissions issue on the storage project).
	FallbackBucket string
	// SignedURLTTL is the validity window of generated links.
	SignedURLTTL time.Duration
}

// Processor stores inbound audio in object storage and hands back a
// time-limited link. Bucket provisioning is lazy and happens at most once
// per process.
type Processor struct {
	storage *storage_go.Client
	cfg     Config
	logger  *slog.Logger

	bucketOnce sync.Once
	bucketName string
	bucketErr  error
}

// NewProcessor creates an audio processor backed by the given storage client.
func NewProcessor(storage *storage_go.Client, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "wagate-audio"
	}
	if cfg.SignedURLTTL == 0 {
		cfg.SignedURLTTL = 7 * 24 * time.Hour
	}
	return &Processor{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "media"),
	}
}

// ProcessAudio downloads an audio payload, uploads it to object storage
// under a collision-safe per-agent path, and returns a signed URL. Any
// failure returns an error; the caller decides how the message degrades.
func (p *Processor) ProcessAudio(ctx context.Context, agentID, messageID string,
	audio *waE2E.AudioMessage, dl AudioDownloader) (*Result, error) {
	if audio == nil {
		return nil, fmt.Errorf("no audio payload")
	}

	data, err := dl.DownloadAudio(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("downloading audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}

	bucket, err := p.ensureBucket()
	if err != nil {
		return nil, err
	}

	mime := audio.GetMimetype()
	path := p.objectPath(agentID, messageID, mime, "")

	if err := p.upload(bucket, path, data, mime); err != nil {
		if !isDuplicate(err) {
			return nil, fmt.Errorf("uploading audio: %w", err)
		}
		// Path collision (same message id replayed in the same second):
		// retry once with a random suffix.
		path = p.objectPath(agentID, messageID, mime, uuid.NewString()[:8])
		if err := p.upload(bucket, path, data, mime); err != nil {
			return nil, fmt.Errorf("uploading audio after collision: %w", err)
		}
	}

	url := p.link(bucket, path)
	if url == "" {
		return nil, fmt.Errorf("no URL available for stored audio %s", path)
	}

	p.logger.Info("audio stored",
		"agent_id", agentID, "message_id", messageID,
		"bucket", bucket, "bytes", len(data))

	return &Result{
		URL:      url,
		MimeType: mime,
		FileSize: int64(len(data)),
	}, nil
}

// ensureBucket provisions the audio bucket on first use. When the primary
// bucket cannot be created and a fallback is configured, the fallback is
// assumed to pre-exist.
func (p *Processor) ensureBucket() (string, error) {
	p.bucketOnce.Do(func() {
		if _, err := p.storage.GetBucket(p.cfg.Bucket); err == nil {
			p.bucketName = p.cfg.Bucket
			return
		}

		_, err := p.storage.CreateBucket(p.cfg.Bucket, storage_go.BucketOptions{
			Public: false,
		})
		if err == nil || isDuplicate(err) {
			p.bucketName = p.cfg.Bucket
			return
		}

		if p.cfg.FallbackBucket != "" {
			p.logger.Warn("primary bucket unavailable, using fallback",
				"bucket", p.cfg.Bucket, "fallback", p.cfg.FallbackBucket, "error", err)
			p.bucketName = p.cfg.FallbackBucket
			return
		}

		p.bucketErr = fmt.Errorf("ensuring bucket %q: %w", p.cfg.Bucket, err)
	})
	return p.bucketName, p.bucketErr
}

func (p *Processor) upload(bucket, path string, data []byte, mime string) error {
	opts := storage_go.FileOptions{}
	if mime != "" {
		opts.ContentType = &mime
	}
	_, err := p.storage.UploadFile(bucket, path, bytes.NewReader(data), opts)
	return err
}

// link produces a signed URL, falling back to the public URL when signing
// fails (the object is then only reachable if the bucket is public, which
// is logged as a warning rather than failing the message).
func (p *Processor) link(bucket, path string) string {
	signed, err := p.storage.CreateSignedUrl(bucket, path, int(p.cfg.SignedURLTTL.Seconds()))
	if err == nil && signed.SignedURL != "" {
		return signed.SignedURL
	}
	p.logger.Warn("signed URL generation failed, falling back to public URL",
		"bucket", bucket, "path", path, "error", err)

	public := p.storage.GetPublicUrl(bucket, path)
	return public.SignedURL
}

// objectPath builds {agentID}/{unix-ts}-{messageID}[-{suffix}].{ext}.
func (p *Processor) objectPath(agentID, messageID, mime, suffix string) string {
	name := sanitize(messageID)
	if suffix != "" {
		name += "-" + suffix
	}
	return fmt.Sprintf("%s/%d-%s%s", agentID, time.Now().Unix(), name, extFromMIME(mime))
}

// sanitize strips characters that are unsafe in object keys.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// extFromMIME maps common voice-note MIME types to file extensions. The
// codec parameter ("audio/ogg; codecs=opus") is ignored.
func extFromMIME(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/aac":
		return ".aac"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/amr":
		return ".amr"
	default:
		return ".bin"
	}
}

// isDuplicate detects "already exists" responses from the storage API,
// which arrive as generic errors rather than typed ones.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}
