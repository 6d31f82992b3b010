package image

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smelterhq/smelter/internal/baremetal"
)

func TestGlanceSourceResolvesKernelAndRamdisk(t *testing.T) {
	fake := baremetal.NewFakeClient()
	fake.AddImage(&baremetal.Image{
		ID:        "img-1",
		Name:      "centos",
		KernelID:  "kernel-1",
		RamdiskID: "ramdisk-1",
	})

	src := NewGlanceSource("centos")
	info, err := src.InstanceInfo(context.Background(), fake)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"image_source": "img-1",
		"kernel":       "kernel-1",
		"ramdisk":      "ramdisk-1",
	}, info)
}

func TestGlanceSourceMissingImage(t *testing.T) {
	fake := baremetal.NewFakeClient()
	src := NewGlanceSource("nope")
	err := src.Validate(context.Background(), fake)
	require.Error(t, err)
	assert.True(t, baremetal.IsNotFound(err))
}

func TestHTTPWholeDiskSource(t *testing.T) {
	src := &HTTPWholeDiskSource{
		URL:      "https://example.com/image.qcow2",
		Checksum: "abcd1234",
	}
	info, err := src.InstanceInfo(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"image_source":   "https://example.com/image.qcow2",
		"image_checksum": "abcd1234",
	}, info)
}

func TestHTTPWholeDiskSourceRequiresExactlyOneChecksum(t *testing.T) {
	neither := &HTTPWholeDiskSource{URL: "https://example.com/image.qcow2"}
	assert.Error(t, neither.Validate(context.Background(), nil))

	both := &HTTPWholeDiskSource{
		URL:         "https://example.com/image.qcow2",
		Checksum:    "abcd",
		ChecksumURL: "https://example.com/SUMS",
	}
	assert.Error(t, both.Validate(context.Background(), nil))
}

func TestHTTPPartitionSourceRequiresKernelAndRamdisk(t *testing.T) {
	src := &HTTPPartitionSource{
		URL:      "https://example.com/root.img",
		Checksum: "abcd",
	}
	assert.Error(t, src.Validate(context.Background(), nil))

	src.KernelURL = "https://example.com/kernel"
	src.RamdiskURL = "https://example.com/ramdisk"
	info, err := src.InstanceInfo(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/kernel", info["kernel"])
	assert.Equal(t, "https://example.com/ramdisk", info["ramdisk"])
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name     string
		image    string
		kernel   string
		ramdisk  string
		checksum string
		want     any
		wantErr  bool
	}{
		{name: "catalog", image: "centos", want: &GlanceSource{}},
		{name: "catalog with checksum", image: "centos", checksum: "abcd", wantErr: true},
		{name: "whole disk", image: "https://example.com/i.qcow2", checksum: "abcd",
			want: &HTTPWholeDiskSource{}},
		{name: "partition", image: "https://example.com/root.img", checksum: "abcd",
			kernel: "https://example.com/k", ramdisk: "https://example.com/r",
			want: &HTTPPartitionSource{}},
		{name: "empty", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src, err := Detect(tc.image, tc.kernel, tc.ramdisk, tc.checksum)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.want, src)
		})
	}
}

func TestDetectChecksumURL(t *testing.T) {
	src, err := Detect("https://example.com/i.qcow2", "", "", "https://example.com/SHA256SUMS")
	require.NoError(t, err)

	whole, ok := src.(*HTTPWholeDiskSource)
	require.True(t, ok)
	assert.Empty(t, whole.Checksum)
	assert.Equal(t, "https://example.com/SHA256SUMS", whole.ChecksumURL)
}
