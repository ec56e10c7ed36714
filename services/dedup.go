package services

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/corona10/goimagehash"
	"github.com/vid2slides/backend/models"
)

// HashFrame computes the perceptual hash used for duplicate removal.
func HashFrame(img image.Image) (*goimagehash.ImageHash, error) {
	return goimagehash.PerceptionHash(img)
}

// DeduplicateFrames removes near-duplicate detections using perceptual hashing
// (pHash). A frame whose hash distance to any kept frame is below the
// threshold is dropped. The first frame is always kept, and frames without a
// hash (their thumbnail could not be decoded) are kept as well. The relative
// order of the input is preserved.
func DeduplicateFrames(frames []models.FrameRef, hashes map[int]*goimagehash.ImageHash, threshold int) ([]models.FrameRef, error) {
	if len(frames) == 0 {
		return frames, nil
	}

	var keptHashes []*goimagehash.ImageHash
	result := make([]models.FrameRef, 0, len(frames))

	for i, f := range frames {
		hash := hashes[f.Index]
		if i == 0 || hash == nil {
			result = append(result, f)
			if hash != nil {
				keptHashes = append(keptHashes, hash)
			}
			continue
		}

		isDup := false
		for _, k := range keptHashes {
			dist, err := hash.Distance(k)
			if err != nil {
				return nil, fmt.Errorf("comparing hashes of frame %d: %w", f.Index, err)
			}
			if dist < threshold {
				isDup = true
				break
			}
		}

		if !isDup {
			result = append(result, f)
			keptHashes = append(keptHashes, hash)
		}
	}
	return result, nil
}

// Manifest describes one detection pass written next to exported artifacts.
type Manifest struct {
	Source string                 `json:"source"`
	Params models.DetectionParams `json:"params"`
	Scorer string                 `json:"scorer"`
	Frames []models.FrameRef      `json:"frames"`
}

// WriteManifest writes the manifest as manifest.json in outputDir.
func WriteManifest(outputDir string, m Manifest) error {
	path := filepath.Join(outputDir, "manifest.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadManifest reads manifest.json from dir. Returns nil, nil if no manifest
// exists yet.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}
