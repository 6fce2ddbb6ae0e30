package imageprep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	// Decoders for the formats feeds commonly serve.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/spf13/afero"
)

const (
	maxImageBytes = 32 << 20
	// maxImagePixels bounds the decoded size; a tiny file can declare huge
	// dimensions.
	maxImagePixels = 40_000_000
)

var ErrImageTooLarge = errors.New("image too large")

// loader opens an image from the local filesystem or over HTTP.
type loader struct {
	fs     afero.Fs
	client *http.Client
	ua     string
}

func isRemote(ref string) bool {
	low := strings.ToLower(ref)
	return strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://")
}

// load prefers an existing local file and only then tries the network.
func (l loader) load(ctx context.Context, ref string) (image.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	if !isRemote(ref) {
		f, err := l.fs.Open(ref)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return decode(f, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	if l.ua != "" {
		req.Header.Set("User-Agent", l.ua)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: HTTP %d", ref, resp.StatusCode)
	}
	return decode(resp.Body, ref)
}

// decode checks the declared dimensions before decoding any pixels.
func decode(r io.Reader, ref string) (image.Image, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if len(b) > maxImageBytes {
		return nil, fmt.Errorf("%s: %w: over %d bytes", ref, ErrImageTooLarge, maxImageBytes)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, fmt.Errorf("%s: %w: %dx%d", ref, ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	return img, nil
}
