package mirror

import (
	"context"
	"crypto/md5" //nolint:gosec // matches the server's ETag, not used for security
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/archive"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Object metadata written next to every mirror.
const (
	metaSourcePath     = "source-path"
	metaSourceSize     = "source-size"
	metaSourceModified = "source-last-modified"
	metaSourceETag     = "source-etag"
	metaSHA256         = "sha256"
)

const contentTypeZip = "application/zip"

var md5ETagRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// download is one verified archive on local disk.
type download struct {
	file    *os.File
	size    int64
	sha256  string
	summary archive.Summary
}

func (d *download) close() {
	name := d.file.Name()
	_ = d.file.Close()
	_ = os.Remove(name)
}

// transfer fetches, verifies and stores src with bounded retries. Transient
// network errors are retried up to MaxAttempts; an integrity failure is
// retried once.
func (e *Engine) transfer(ctx context.Context, src domain.SourceObject) (domain.MirrorObject, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.settings.InitialInterval
	b.MaxInterval = e.settings.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.settings.MaxAttempts-1)), ctx)

	var (
		attempts         int
		integrityRetried bool
	)
	op := func() (*download, error) {
		attempts++
		d, err := e.fetch(ctx, src)
		if err == nil {
			return d, nil
		}
		var ie *domain.IntegrityError
		switch {
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case errors.As(err, &ie) && !integrityRetried:
			integrityRetried = true
			return nil, err
		case domain.IsRetryable(err):
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		reason := "network"
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			reason = "integrity"
		}
		e.metrics.FetchRetries.WithLabelValues(reason).Inc()
		e.logger.Debug("retrying transfer", "key", src.Key(), "attempt", attempts, "wait", wait, "error", err)
	}

	d, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		return domain.MirrorObject{}, attempts, err
	}
	defer d.close()

	mo := newMirrorObject(src, d)
	if err := mo.Validate(); err != nil {
		return domain.MirrorObject{}, attempts, err
	}
	if err := e.put(ctx, src, d); err != nil {
		return domain.MirrorObject{}, attempts, err
	}
	e.metrics.MirrorBytes.Add(float64(d.size))
	return mo, attempts, nil
}

// fetch downloads src to a temporary file and verifies it.
func (e *Engine) fetch(ctx context.Context, src domain.SourceObject) (*download, error) {
	body, err := e.fetcher.Open(ctx, src.RemotePath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	f, err := os.CreateTemp(e.settings.TempDir, "aorc-mirror-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	d := &download{file: f}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	sum, md := sha256.New(), md5.New() //nolint:gosec
	n, err := io.Copy(io.MultiWriter(f, sum, md), body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", src.RemotePath, err)
	}
	d.size = n
	d.sha256 = hex.EncodeToString(sum.Sum(nil))

	if err := verify(src, n, md); err != nil {
		return nil, err
	}
	d.summary, err = summarize(f, n, src)
	if err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

func verify(src domain.SourceObject, n int64, md hash.Hash) error {
	if n != src.ByteSize {
		return &domain.IntegrityError{Key: src.Key(), Reason: fmt.Sprintf("received %d bytes, expected %d", n, src.ByteSize)}
	}
	if etag := etagMD5(src.ETag); etag != "" {
		if got := hex.EncodeToString(md.Sum(nil)); got != etag {
			return &domain.IntegrityError{Key: src.Key(), Reason: fmt.Sprintf("md5 %s does not match etag %s", got, etag)}
		}
	}
	return nil
}

// etagMD5 returns the ETag when it is a plain MD5 digest. Weak and multipart
// tags carry no usable digest.
func etagMD5(etag string) string {
	if strings.HasPrefix(etag, "W/") {
		return ""
	}
	etag = strings.ToLower(strings.Trim(etag, `"`))
	if !md5ETagRe.MatchString(etag) {
		return ""
	}
	return etag
}

func summarize(f *os.File, size int64, src domain.SourceObject) (archive.Summary, error) {
	r, err := archive.Open(f, size, src.Region)
	if err != nil {
		return archive.Summary{}, &domain.IntegrityError{Key: src.Key(), Reason: err.Error()}
	}
	s, err := r.Summarize()
	if err != nil {
		return archive.Summary{}, &domain.IntegrityError{Key: src.Key(), Reason: err.Error()}
	}
	return s, nil
}

// put finalizes the download in the store. A failed write leaves no object.
func (e *Engine) put(ctx context.Context, src domain.SourceObject, d *download) error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", d.file.Name(), err)
	}
	if _, err := e.store.Put(ctx, src.Key(), d.file, contentTypeZip, metadata(src, d.sha256)); err != nil {
		return err
	}
	return nil
}

func newMirrorObject(src domain.SourceObject, d *download) domain.MirrorObject {
	return domain.MirrorObject{
		StorageKey:         src.Key(),
		Region:             src.Region,
		Year:               src.Year,
		Month:              src.Month,
		Checksum:           d.sha256,
		ByteSize:           d.size,
		SourceRef:          src,
		Coverage:           d.summary.Coverage,
		TemporalResolution: d.summary.TemporalResolution,
		SpatialResolution:  d.summary.SpatialResolution,
	}
}

func metadata(src domain.SourceObject, checksum string) map[string]string {
	return map[string]string{
		metaSourcePath:     src.RemotePath,
		metaSourceSize:     strconv.FormatInt(src.ByteSize, 10),
		metaSourceModified: src.LastModified.UTC().Format(time.RFC3339Nano),
		metaSourceETag:     src.ETag,
		metaSHA256:         checksum,
	}
}

// sameVersion reports whether stored metadata describes src.
func sameVersion(meta map[string]string, src domain.SourceObject) bool {
	return meta[metaSourcePath] == src.RemotePath &&
		meta[metaSourceSize] == strconv.FormatInt(src.ByteSize, 10) &&
		meta[metaSourceModified] == src.LastModified.UTC().Format(time.RFC3339Nano) &&
		meta[metaSourceETag] == src.ETag &&
		meta[metaSHA256] != ""
}

// recover rebuilds the MirrorObject for an object that reached the store in a
// previous run but was never recorded. The stored bytes are re-verified
// against the checksum written with them.
func (e *Engine) recover(ctx context.Context, src domain.SourceObject) (domain.MirrorObject, bool) {
	key := src.Key()
	attrs, err := e.store.Attributes(ctx, key)
	if err != nil || !sameVersion(attrs.Metadata, src) {
		return domain.MirrorObject{}, false
	}

	f, err := os.CreateTemp(e.settings.TempDir, "aorc-recover-*.zip")
	if err != nil {
		return domain.MirrorObject{}, false
	}
	d := &download{file: f}
	defer d.close()

	sum := sha256.New()
	n, err := e.store.Download(ctx, key, io.MultiWriter(f, sum))
	if err != nil {
		e.logger.Warn("stored mirror unreadable, transferring again", "key", key, "error", err)
		return domain.MirrorObject{}, false
	}
	d.size, d.sha256 = n, hex.EncodeToString(sum.Sum(nil))
	if n != src.ByteSize || d.sha256 != attrs.Metadata[metaSHA256] {
		e.logger.Warn("stored mirror does not match its metadata, transferring again", "key", key)
		return domain.MirrorObject{}, false
	}
	if d.summary, err = summarize(f, n, src); err != nil {
		e.logger.Warn("stored mirror is not a valid archive, transferring again", "key", key, "error", err)
		return domain.MirrorObject{}, false
	}
	mo := newMirrorObject(src, d)
	if mo.Validate() != nil {
		return domain.MirrorObject{}, false
	}
	return mo, true
}

// StoredChecksum returns the sha256 recorded on a mirror object when it was
// finalized.
func StoredChecksum(attrs blobstore.Attrs) string { return attrs.Metadata[metaSHA256] }
