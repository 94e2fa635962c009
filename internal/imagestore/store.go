package imagestore

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("image not found")
)

// Store keeps attachment bytes grouped by namespace, one namespace per
// document. Names are plain file names such as img_1a2b3c4d.png.
type Store interface {
	Save(ctx context.Context, namespace, name string, data []byte, mimeType string) error
	Get(ctx context.Context, namespace, name string) ([]byte, error)
	List(ctx context.Context, namespace string) ([]string, error)
	Delete(ctx context.Context, namespace, name string) error
}

var mimeExtensions = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
	"image/avif":    ".avif",
}

var extensionMIMEs = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".avif": "image/avif",
}

func ExtensionForMIME(mimeType string) string {
	return mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]
}

// MIMEForExtension falls back to image/png for unknown extensions.
func MIMEForExtension(name string) string {
	if m, ok := extensionMIMEs[strings.ToLower(path.Ext(name))]; ok {
		return m
	}
	return "image/png"
}

func IsImageName(name string) bool {
	_, ok := extensionMIMEs[strings.ToLower(path.Ext(name))]
	return ok
}

// FileName derives a content addressed name: img_<first 8 hex of md5><ext>.
// The extension comes from the original name, then the MIME type, then .png.
func FileName(originalName string, data []byte, mimeType string) string {
	sum := md5.Sum(data)
	ext := strings.ToLower(path.Ext(strings.TrimSpace(originalName)))
	if ext == "" || len(ext) > 6 {
		ext = ExtensionForMIME(mimeType)
	}
	if ext == "" {
		ext = ".png"
	}
	return "img_" + hex.EncodeToString(sum[:])[:8] + ext
}

// DecodeDataURI splits a data:<mime>;base64,<data> URI. Bare base64 is
// accepted and reported as image/png.
func DecodeDataURI(uri string) ([]byte, string, error) {
	mimeType := "image/png"
	payload := strings.TrimSpace(uri)
	if strings.HasPrefix(payload, "data:") {
		header, data, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, "", fmt.Errorf("%w: data uri has no payload", ErrInvalidInput)
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: data uri is not base64", ErrInvalidInput)
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mimeType = strings.ToLower(m)
		}
		payload = data
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return decoded, mimeType, nil
}

// DataURI loads a stored image and encodes it for inline embedding.
func DataURI(ctx context.Context, store Store, namespace, name string) (string, error) {
	data, err := store.Get(ctx, namespace, name)
	if err != nil {
		return "", err
	}
	return "data:" + MIMEForExtension(name) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func validateKey(namespace, name string) error {
	for _, part := range []string{namespace, name} {
		if strings.TrimSpace(part) == "" {
			return ErrInvalidInput
		}
		if strings.Contains(part, "/") || strings.Contains(part, "\\") || part == "." || part == ".." {
			return fmt.Errorf("%w: %q is not a plain name", ErrInvalidInput, part)
		}
	}
	return nil
}
