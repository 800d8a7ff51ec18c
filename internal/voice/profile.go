package voice

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-narrate/internal/config"
)

const (
	weightsExt = ".pth"
	indexExt   = ".index"
)

// Profile names a target voice: a directory holding model weights and,
// usually, a retrieval index.
type Profile struct {
	Name      string
	Dir       string
	ModelPath string
	IndexPath string
}

// HasIndex reports whether a retrieval index was found next to the weights.
func (p Profile) HasIndex() bool { return p.IndexPath != "" }

// Resolve loads the profile called name from modelsDir.
func Resolve(modelsDir, name string) (Profile, error) {
	if strings.TrimSpace(name) == "" {
		return Profile{}, config.Errorf("voice.profile", "no voice profile selected")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Profile{}, config.Errorf("voice.profile", "invalid profile name %q", name)
	}
	dir := filepath.Join(modelsDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, config.Errorf("voice.profile", "profile %q not found in %s", name, modelsDir)
		}
		return Profile{}, &config.ConfigurationError{Setting: "voice.profile", Err: err}
	}
	if !info.IsDir() {
		return Profile{}, config.Errorf("voice.profile", "%s is not a directory", dir)
	}
	profile, err := scan(dir)
	if err != nil {
		return Profile{}, &config.ConfigurationError{Setting: "voice.profile", Err: err}
	}
	if profile.ModelPath == "" {
		return Profile{}, config.Errorf("voice.profile", "profile %q has no %s weights file", name, weightsExt)
	}
	return profile, nil
}

// Discover lists every usable profile under modelsDir, sorted by name.
func Discover(modelsDir string) ([]Profile, error) {
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("read models dir: %w", err)
	}
	var profiles []Profile
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		profile, err := scan(filepath.Join(modelsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if profile.ModelPath != "" {
			profiles = append(profiles, profile)
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// scan picks the first weights and index files in lexical order.
func scan(dir string) (Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile dir: %w", err)
	}
	profile := Profile{Name: filepath.Base(dir), Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch {
		case ext == weightsExt && profile.ModelPath == "":
			profile.ModelPath = filepath.Join(dir, entry.Name())
		case ext == indexExt && profile.IndexPath == "":
			profile.IndexPath = filepath.Join(dir, entry.Name())
		}
	}
	return profile, nil
}
