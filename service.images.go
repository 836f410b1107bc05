package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	// registers the webp decoder used by imaging.Decode.
	_ "golang.org/x/image/webp"
)

// ImagesURLPath is the public path prefix under which stored covers are served.
const ImagesURLPath = "/images/"

const maxCleanNameLength = 40

var _ ImageIngester = (*diskImageIngester)(nil)

// Upload is a raw cover file received from a client.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Data        io.Reader
}

// Asset is a normalized cover stored on disk.
type Asset struct {
	Name string
	Path string
	URL  string
}

// ImageIngester validates, transforms and deletes book covers.
type ImageIngester interface {
	Validate(contentType string, size int64) error
	Ingest(ctx context.Context, upload *Upload) (Asset, error)
	Remove(ctx context.Context, imageURL string) error
}

type diskImageIngester struct {
	logger  *zap.Logger
	config  *ImagesConfig
	baseURL string
	clock   Clocker
}

// NewDiskImageIngester provides an ingester which stores covers into the configured
// folder. The folder is created if it does not exist yet.
func NewDiskImageIngester(logger *zap.Logger, config *ImagesConfig, baseURL string, clock Clocker) (ImageIngester, error) {
	if err := os.MkdirAll(config.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images folder: %w", err)
	}
	return &diskImageIngester{
		logger:  logger,
		config:  config,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		clock:   clock,
	}, nil
}

// Validate checks the declared media type then the declared size.
func (di *diskImageIngester) Validate(contentType string, size int64) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}
	accepted := false
	for _, t := range di.config.AcceptedTypes {
		if strings.EqualFold(t, mediaType) {
			accepted = true
			break
		}
	}
	if !accepted {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	if size > di.config.MaxSize {
		return fmt.Errorf("%w: %d bytes above the %d bytes limit", ErrPayloadTooLarge, size, di.config.MaxSize)
	}
	return nil
}

// Ingest decodes the upload, crops it to the configured box and stores it as jpeg.
// The file is first written under a temporary name and only renamed once complete,
// so a failure never leaves a partial cover behind.
func (di *diskImageIngester) Ingest(ctx context.Context, upload *Upload) (Asset, error) {
	var asset Asset
	if err := di.Validate(upload.ContentType, upload.Size); err != nil {
		return asset, err
	}

	// the declared size cannot be trusted so the reader is capped as well.
	lr := &io.LimitedReader{R: upload.Data, N: di.config.MaxSize + 1}
	img, err := imaging.Decode(lr, imaging.AutoOrientation(true))
	if lr.N <= 0 {
		return asset, fmt.Errorf("%w: content above the %d bytes limit", ErrPayloadTooLarge, di.config.MaxSize)
	}
	if err != nil {
		return asset, fmt.Errorf("%w: decode: %v", ErrImageProcessingFailed, err)
	}
	img = imaging.Fill(img, di.config.Width, di.config.Height, imaging.Center, imaging.Lanczos)

	if err = ctx.Err(); err != nil {
		return asset, err
	}

	tmp, err := os.CreateTemp(di.config.Folder, ".upload-*.tmp")
	if err != nil {
		return asset, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// no-op once the rename succeeded.
		if rerr := os.Remove(tmpPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			di.logger.Warn("images: failed to remove temporary file", zap.String("image.tmp", tmpPath), zap.Error(rerr))
		}
	}()

	if err = imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(di.config.Quality)); err != nil {
		tmp.Close()
		return asset, fmt.Errorf("%w: encode: %v", ErrImageProcessingFailed, err)
	}
	if err = tmp.Close(); err != nil {
		return asset, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	asset.Name = di.assetName(upload.FileName)
	asset.Path = filepath.Join(di.config.Folder, asset.Name)
	if err = os.Rename(tmpPath, asset.Path); err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	asset.URL = di.baseURL + ImagesURLPath + asset.Name
	di.logger.Debug("images: cover stored", zap.String("image.name", asset.Name))
	return asset, nil
}

// Remove deletes the cover referenced by the public url. Empty urls and
// already missing files are not errors.
func (di *diskImageIngester) Remove(_ context.Context, imageURL string) error {
	if imageURL == "" {
		return nil
	}
	name, err := di.assetNameFromURL(imageURL)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(di.config.Folder, name))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// assetNameFromURL extracts the file name and refuses anything
// which could resolve outside of the images folder.
func (di *diskImageIngester) assetNameFromURL(imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("invalid image url %q: %w", imageURL, err)
	}
	if !strings.HasPrefix(u.Path, ImagesURLPath) {
		return "", fmt.Errorf("image url %q outside of %s", imageURL, ImagesURLPath)
	}
	name := strings.TrimPrefix(u.Path, ImagesURLPath)
	if name == "" || name != path.Base(name) || name == ".." || strings.ContainsRune(name, '\\') {
		return "", fmt.Errorf("invalid image name in url %q", imageURL)
	}
	return name, nil
}

// assetName builds `<clean name>_<unix millis>_<uuid fragment>.jpg`.
func (di *diskImageIngester) assetName(original string) string {
	id := uuid.Must(uuid.NewV4()).String()
	return fmt.Sprintf("%s_%d_%s.jpg", CleanFileName(original), di.clock.Now().UnixMilli(), id[:8])
}

// CleanFileName keeps the lowercased letters and digits of a file name without
// its extension. Every other rune sequence becomes a single underscore.
func CleanFileName(name string) string {
	name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if len(clean) > maxCleanNameLength {
		clean = strings.Trim(clean[:maxCleanNameLength], "_")
	}
	if clean == "" {
		return "cover"
	}
	return clean
}
