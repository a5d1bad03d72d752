package main

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/plugin"
)

// discoverPluginManifests validates every manifest under dir. The core
// only records what it finds; concrete plugin implementations register
// their operations in-process through the registry API.
func discoverPluginManifests(dir string, log *logger.Logger) []*plugin.Manifest {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read plugin dir", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}

	var manifests []*plugin.Manifest
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		manifest, err := plugin.LoadManifest(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping invalid plugin manifest",
				zap.String("file", name), zap.Error(err))
			continue
		}
		log.Info("discovered plugin manifest",
			zap.String("plugin_id", manifest.ID),
			zap.String("version", manifest.Version))
		manifests = append(manifests, manifest)
	}
	return manifests
}
