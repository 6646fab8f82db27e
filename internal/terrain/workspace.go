package terrain

import (
	"fmt"
	"path/filepath"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// RegionWorkspace is the path arena for one region's artifacts. Every
// stage reads and writes through these accessors, so tests and tools
// agree on the layout without string literals scattered around:
//
//	density/<region>_density.asc
//	density/masks/<region>_valid_mask.asc
//	vectors/<region>_valid_footprint.geojson
//	cropped/<region>_cropped.las
//	<product>/<region>_<product>.asc
//	<region>_metadata.txt
type RegionWorkspace struct {
	Root   string
	Region string
}

func NewRegionWorkspace(root, region string) *RegionWorkspace {
	return &RegionWorkspace{Root: root, Region: region}
}

func (w *RegionWorkspace) DensityPath() string {
	return filepath.Join(w.Root, "density", w.Region+"_density.asc")
}

func (w *RegionWorkspace) MaskPath() string {
	return filepath.Join(w.Root, "density", "masks", w.Region+"_valid_mask.asc")
}

func (w *RegionWorkspace) FootprintPath() string {
	return filepath.Join(w.Root, "vectors", w.Region+"_valid_footprint.geojson")
}

func (w *RegionWorkspace) CroppedPath() string {
	return filepath.Join(w.Root, "cropped", w.Region+"_cropped.las")
}

func (w *RegionWorkspace) ProductPath(k RasterKind) string {
	return filepath.Join(w.Root, k.String(), fmt.Sprintf("%s_%s.asc", w.Region, k))
}

func (w *RegionWorkspace) MetadataPath() string {
	return filepath.Join(w.Root, w.Region+"_metadata.txt")
}

// EnsureLayout creates every directory the artifacts live in.
func (w *RegionWorkspace) EnsureLayout(fsys fsutil.FileSystem) error {
	dirs := []string{
		filepath.Join(w.Root, "density"),
		filepath.Join(w.Root, "density", "masks"),
		filepath.Join(w.Root, "vectors"),
		filepath.Join(w.Root, "cropped"),
	}
	for _, k := range AllRasterKinds() {
		dirs = append(dirs, filepath.Join(w.Root, k.String()))
	}
	for _, dir := range dirs {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
