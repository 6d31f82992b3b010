// Package image describes deployable image sources: catalog images
// resolved through the image directory and direct HTTP(S) artifacts.
// A source validates itself and contributes the instance metadata
// updates required to deploy from it.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/smelterhq/smelter/internal/baremetal"
)

// Source is a deployable artifact reference. Validate resolves it
// against the catalog (a no-op for direct URLs); InstanceInfo returns
// the deploy parameters it contributes to the node's instance metadata.
type Source interface {
	// String identifies the source in logs and error messages.
	String() string
	Validate(ctx context.Context, images baremetal.ImageDirectory) error
	InstanceInfo(ctx context.Context, images baremetal.ImageDirectory) (map[string]any, error)
}

// GlanceSource is an image from the catalog service, referenced by name
// or ID. Kernel and ramdisk artifacts come from the catalog record when
// present.
type GlanceSource struct {
	Image string

	resolved *baremetal.Image
}

// NewGlanceSource builds a catalog-backed source.
func NewGlanceSource(image string) *GlanceSource {
	return &GlanceSource{Image: image}
}

func (s *GlanceSource) String() string { return s.Image }

func (s *GlanceSource) Validate(ctx context.Context, images baremetal.ImageDirectory) error {
	if s.resolved != nil {
		return nil
	}
	img, err := images.GetImage(ctx, s.Image)
	if err != nil {
		return fmt.Errorf("cannot find image %s: %w", s.Image, err)
	}
	s.resolved = img
	return nil
}

func (s *GlanceSource) InstanceInfo(ctx context.Context, images baremetal.ImageDirectory) (map[string]any, error) {
	if err := s.Validate(ctx, images); err != nil {
		return nil, err
	}
	info := map[string]any{"image_source": s.resolved.ID}
	if s.resolved.KernelID != "" {
		info["kernel"] = s.resolved.KernelID
	}
	if s.resolved.RamdiskID != "" {
		info["ramdisk"] = s.resolved.RamdiskID
	}
	return info, nil
}

// HTTPWholeDiskSource is a whole-disk image served over HTTP(S).
// Exactly one of Checksum (a value) or ChecksumURL (a file of values)
// must be set.
type HTTPWholeDiskSource struct {
	URL         string
	Checksum    string
	ChecksumURL string
}

func (s *HTTPWholeDiskSource) String() string { return s.URL }

func (s *HTTPWholeDiskSource) Validate(context.Context, baremetal.ImageDirectory) error {
	if s.URL == "" {
		return fmt.Errorf("an image URL is required")
	}
	if (s.Checksum == "") == (s.ChecksumURL == "") {
		return fmt.Errorf("exactly one of checksum and checksum URL is required for image %s", s.URL)
	}
	return nil
}

func (s *HTTPWholeDiskSource) InstanceInfo(ctx context.Context, images baremetal.ImageDirectory) (map[string]any, error) {
	if err := s.Validate(ctx, images); err != nil {
		return nil, err
	}
	info := map[string]any{"image_source": s.URL}
	if s.Checksum != "" {
		info["image_checksum"] = s.Checksum
	} else {
		info["image_checksum_url"] = s.ChecksumURL
	}
	return info, nil
}

// HTTPPartitionSource is a partition image served over HTTP(S),
// requiring separate kernel and ramdisk artifacts.
type HTTPPartitionSource struct {
	URL         string
	Checksum    string
	ChecksumURL string
	KernelURL   string
	RamdiskURL  string
}

func (s *HTTPPartitionSource) String() string { return s.URL }

func (s *HTTPPartitionSource) Validate(context.Context, baremetal.ImageDirectory) error {
	if s.URL == "" {
		return fmt.Errorf("an image URL is required")
	}
	if (s.Checksum == "") == (s.ChecksumURL == "") {
		return fmt.Errorf("exactly one of checksum and checksum URL is required for image %s", s.URL)
	}
	if s.KernelURL == "" || s.RamdiskURL == "" {
		return fmt.Errorf("kernel and ramdisk URLs are required for partition image %s", s.URL)
	}
	return nil
}

func (s *HTTPPartitionSource) InstanceInfo(ctx context.Context, images baremetal.ImageDirectory) (map[string]any, error) {
	if err := s.Validate(ctx, images); err != nil {
		return nil, err
	}
	info := map[string]any{
		"image_source": s.URL,
		"kernel":       s.KernelURL,
		"ramdisk":      s.RamdiskURL,
	}
	if s.Checksum != "" {
		info["image_checksum"] = s.Checksum
	} else {
		info["image_checksum_url"] = s.ChecksumURL
	}
	return info, nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "file://")
}

// Detect picks the source kind from an image reference: direct URLs
// become HTTP sources (partition when kernel/ramdisk are given),
// anything else is a catalog lookup. Catalog references must not carry
// per-artifact parameters.
func Detect(imageRef, kernel, ramdisk, checksum string) (Source, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("an image reference is required")
	}

	if !isURL(imageRef) {
		if kernel != "" || ramdisk != "" || checksum != "" {
			return nil, fmt.Errorf(
				"kernel, ramdisk and checksum cannot be used with catalog image %s", imageRef)
		}
		return NewGlanceSource(imageRef), nil
	}

	checksumValue, checksumURL := checksum, ""
	if isURL(checksum) {
		checksumValue, checksumURL = "", checksum
	}

	if kernel != "" || ramdisk != "" {
		return &HTTPPartitionSource{
			URL:         imageRef,
			Checksum:    checksumValue,
			ChecksumURL: checksumURL,
			KernelURL:   kernel,
			RamdiskURL:  ramdisk,
		}, nil
	}
	return &HTTPWholeDiskSource{
		URL:         imageRef,
		Checksum:    checksumValue,
		ChecksumURL: checksumURL,
	}, nil
}
