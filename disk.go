// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MediaKind is the type of local media exposed to the appliance.
type MediaKind int

// Media kinds.
const (
	MediaISO MediaKind = iota
	MediaUDisk
	MediaCDROM
)

// String returns the media kind name.
func (k MediaKind) String() string {
	switch k {
	case MediaISO:
		return "ISO"
	case MediaUDisk:
		return "UDISK"
	case MediaCDROM:
		return "CDROM"
	default:
		return fmt.Sprintf("MediaKind(%d)", int(k))
	}
}

// Optical reports whether the media is presented as an optical drive.
func (k MediaKind) Optical() bool {
	return k == MediaISO || k == MediaCDROM
}

// MediaDescriptor identifies a local image or drive for virtual media.
type MediaDescriptor struct {
	Path     string
	Kind     MediaKind
	Writable bool
}

// IsISOPath reports whether path names an ISO image.
func IsISOPath(path string) bool {
	return strings.Contains(strings.ToLower(path), "iso")
}

// NewMediaDescriptor builds a descriptor for path, inferring the kind from
// the name: ISO images by name, /dev/sr* as CDROM, everything else as UDISK.
func NewMediaDescriptor(path string, writable bool) MediaDescriptor {
	kind := MediaUDisk
	switch {
	case IsISOPath(path):
		kind = MediaISO
	case strings.HasPrefix(filepath.Base(path), "sr"):
		kind = MediaCDROM
	}
	return MediaDescriptor{Path: path, Kind: kind, Writable: writable && !kind.Optical()}
}

// DiskBackend is sector-addressed storage behind a virtual-media session.
type DiskBackend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	SectorSize() uint32
	SectorCount() uint32
}

// DiskOpener opens the backend for a media descriptor.
type DiskOpener func(media MediaDescriptor) (DiskBackend, error)

// FileDisk is a DiskBackend over an image file or a raw block device.
type FileDisk struct {
	mu          sync.Mutex
	file        *os.File
	sectorSize  uint32
	sectorCount uint32
	closed      bool
}

// OpenDisk opens media as a FileDisk. ISO images use 2048-byte sectors and
// everything else 512-byte sectors.
func OpenDisk(media MediaDescriptor) (DiskBackend, error) {
	if err := newInputValidator().ValidateMediaPath(media.Path); err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if media.Writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(media.Path, flag, 0) // #nosec G304 - path is chosen by the operator
	if err != nil {
		return nil, storageUnavailableError("OpenDisk", fmt.Sprintf("open %s", media.Path), err)
	}

	// Block devices report a zero stat size, so measure by seeking.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, storageUnavailableError("OpenDisk", fmt.Sprintf("size %s", media.Path), err)
	}

	sectorSize := uint32(DiskSectorSize)
	if media.Kind == MediaISO {
		sectorSize = OpticalSectorSize
	}
	count := size / int64(sectorSize)
	if count > int64(^uint32(0)>>1) {
		count = int64(^uint32(0) >> 1)
	}

	return &FileDisk{
		file:        f,
		sectorSize:  sectorSize,
		sectorCount: uint32(count), // #nosec G115 - clamped above
	}, nil
}

// SectorSize returns the sector size in bytes.
func (d *FileDisk) SectorSize() uint32 { return d.sectorSize }

// SectorCount returns the number of whole sectors.
func (d *FileDisk) SectorCount() uint32 { return d.sectorCount }

// ReadAt reads len(p) bytes at byte offset off. A short read at the end of
// the media is zero filled.
func (d *FileDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}

	n, err := d.file.ReadAt(p, off)
	if err == io.EOF {
		clear(p[n:])
		return len(p), nil
	}
	return n, err
}

// WriteAt writes p at byte offset off.
func (d *FileDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.file.WriteAt(p, off)
}

// Close releases the underlying file. It is safe to call more than once.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

var partitionSuffix = regexp.MustCompile(`\d+$`)

// DiscoverMedia lists removable drives on the local host.
func DiscoverMedia() ([]MediaDescriptor, error) {
	return DiscoverMediaIn("/dev", "/sys/block")
}

// DiscoverMediaIn lists whole /dev/sd* disks under devDir whose removable
// flag under sysBlockDir is not "0", followed by devDir/sr0 as a CDROM.
func DiscoverMediaIn(devDir, sysBlockDir string) ([]MediaDescriptor, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, WrapError("DiscoverMedia", ErrBackend, "list devices", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "sd") && !partitionSuffix.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var media []MediaDescriptor
	for _, name := range names {
		removable, err := os.ReadFile(filepath.Join(sysBlockDir, name, "removable")) // #nosec G304 - sysfs path
		if err == nil && strings.TrimSpace(string(removable)) == "0" {
			continue
		}
		media = append(media, MediaDescriptor{Path: filepath.Join(devDir, name), Kind: MediaUDisk, Writable: true})
	}

	media = append(media, MediaDescriptor{Path: filepath.Join(devDir, "sr0"), Kind: MediaCDROM})
	return media, nil
}
