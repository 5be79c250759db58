package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"go.uber.org/zap"
)

// sniffLen is the number of bytes http.DetectContentType considers.
const sniffLen = 512

// OctetStream is the fallback MIME type.
const OctetStream = "application/octet-stream"

// Params names one input. Exactly one of Path, Reader and URL must be set.
type Params struct {
	Path   string
	Reader io.Reader
	URL    string
	// MimeType overrides detection.
	MimeType string
	// Name is reported back in Resolved.Name when Path is not set.
	Name string
}

// Resolved is an input ready for upload, or a URL the service fetches itself.
type Resolved struct {
	MimeType string
	// Reader is nil for URL inputs. The caller closes it.
	Reader io.ReadCloser
	// Size is -1 when unknown.
	Size int64
	Name string
	URL  string
}

// Close releases the underlying reader, if any.
func (r *Resolved) Close() error {
	if r == nil || r.Reader == nil {
		return nil
	}
	return r.Reader.Close()
}

// Resolver turns user input into an uploadable body.
type Resolver interface {
	Resolve(ctx context.Context, p Params) (*Resolved, error)
}

// FileResolver resolves paths on the local filesystem.
type FileResolver struct{}

// NoFSResolver is for hosts without a filesystem. Paths fail with
// model.ErrUnsupportedOperation; readers and URLs still work.
type NoFSResolver struct{}

// Default returns the resolver for this host.
func Default() Resolver { return FileResolver{} }

func (FileResolver) Resolve(ctx context.Context, p Params) (*Resolved, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return resolveStream(ctx, p)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, p.Path)
		}
		return nil, fmt.Errorf("open %s: %w", p.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", p.Path, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory", p.Path)
	}

	res := &Resolved{
		MimeType: p.MimeType,
		Reader:   f,
		Size:     st.Size(),
		Name:     filepath.Base(p.Path),
	}
	if res.MimeType == "" {
		res.MimeType = byExtension(p.Path)
	}
	if res.MimeType == "" {
		br := bufio.NewReaderSize(f, sniffLen)
		res.MimeType = sniff(br)
		res.Reader = readCloser{Reader: br, Closer: f}
	}
	zap.L().Debug("resolved file",
		zap.String("path", p.Path),
		zap.String("mime", res.MimeType),
		zap.Int64("size", res.Size))
	return res, nil
}

func (NoFSResolver) Resolve(ctx context.Context, p Params) (*Resolved, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.Path != "" {
		return nil, fmt.Errorf("%w: reading %s requires a filesystem", model.ErrUnsupportedOperation, p.Path)
	}
	return resolveStream(ctx, p)
}

func validate(p Params) error {
	n := 0
	for _, set := range []bool{p.Path != "", p.Reader != nil, p.URL != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of path, reader or url must be given, got %d", n)
	}
	return nil
}

func resolveStream(ctx context.Context, p Params) (*Resolved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid asset url %q", p.URL)
		}
		return &Resolved{MimeType: p.MimeType, Size: -1, Name: p.Name, URL: p.URL}, nil
	}

	res := &Resolved{MimeType: p.MimeType, Size: -1, Name: p.Name}
	rc, ok := p.Reader.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(p.Reader)
	}
	res.Reader = rc
	if res.MimeType == "" && p.Name != "" {
		res.MimeType = byExtension(p.Name)
	}
	if res.MimeType == "" {
		br := bufio.NewReaderSize(p.Reader, sniffLen)
		res.MimeType = sniff(br)
		res.Reader = readCloser{Reader: br, Closer: rc}
	}
	return res, nil
}

func byExtension(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return t
	}
	return mt
}

// sniff peeks at the head of br without consuming it.
func sniff(br *bufio.Reader) string {
	head, err := br.Peek(sniffLen)
	if len(head) == 0 && err != nil {
		return OctetStream
	}
	t := http.DetectContentType(head)
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return t
}

type readCloser struct {
	io.Reader
	io.Closer
}
