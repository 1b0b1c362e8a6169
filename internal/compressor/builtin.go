package compressor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// BuiltinProcessor re-encodes JPEGs in process. Encoding drops all metadata,
// so the pixel data is auto-oriented first to keep rotated photos upright.
type BuiltinProcessor struct {
	logger logrus.FieldLogger
	// Threshold is the size ratio the re-encoded image must stay below to
	// replace the original.
	Threshold float64
}

// NewBuiltinProcessor returns a processor that only replaces files it made smaller.
func NewBuiltinProcessor(logger logrus.FieldLogger) *BuiltinProcessor {
	return &BuiltinProcessor{logger: logger, Threshold: 1.0}
}

// Process re-encodes the JPEG at path with the given quality.
func (b *BuiltinProcessor) Process(ctx context.Context, path string, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat error: %w", err)
	}
	origSize := info.Size()

	log := b.logger.WithField("path", path)
	if hasExif(path) {
		log.Debug("Stripping EXIF metadata")
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return &ToolError{Tool: "builtin", Err: fmt.Errorf("open error: %w", err)}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return &ToolError{Tool: "builtin", Err: fmt.Errorf("encode error: %w", err)}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if float64(buf.Len()) >= float64(origSize)*b.Threshold {
		log.WithFields(logrus.Fields{
			"original_size": origSize,
			"encoded_size":  buf.Len(),
		}).Debug("Re-encoded file not smaller than original, kept original")
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".builtin-*")
	if err != nil {
		return fmt.Errorf("write tmp file error: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write tmp file error: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod tmp file error: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write tmp file error: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename error: %w", err)
	}
	return nil
}

// hasExif reports whether the file carries an EXIF block.
func hasExif(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = exif.Decode(f)
	return err == nil
}
