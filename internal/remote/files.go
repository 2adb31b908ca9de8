package remote

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrFileType     = errors.New("remote: file type not allowed")
	ErrFileTooLarge = errors.New("remote: file too large")
)

// File is an upload candidate. MIME is the declared content type; Size the
// declared length in bytes. Both are checked client-side before any network
// call, but client-side rejection never substitutes for server validation.
type File struct {
	Name    string
	MIME    string
	Size    int64
	Content io.Reader
}

// FileConstraints bounds what a screen accepts before transmission.
type FileConstraints struct {
	AllowedTypes []string
	MaxBytes     int64
}

// DocumentFileConstraints applies to compliance document uploads, both the
// public tokenized flow and the officer's manual upload.
var DocumentFileConstraints = FileConstraints{
	AllowedTypes: []string{
		"application/pdf",
		"image/jpeg",
		"image/png",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	},
	MaxBytes: 10 << 20,
}

// VendorCSVConstraints applies to the internal bulk-vendor upload.
var VendorCSVConstraints = FileConstraints{
	AllowedTypes: []string{"text/csv", "application/vnd.ms-excel"},
	MaxBytes:     10 << 20,
}

// Check validates the declared type and size.
func (c FileConstraints) Check(f File) error {
	allowed := false
	for _, t := range c.AllowedTypes {
		if f.MIME == t {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrFileType, f.MIME)
	}
	if f.Size > c.MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, f.Size, c.MaxBytes)
	}
	return nil
}
