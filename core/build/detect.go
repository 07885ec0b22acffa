// Package build classifies working trees and runs framework builds.
package build

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/siteship/siteship/core/infra/logging"
	"github.com/siteship/siteship/core/infra/schema"
)

// Kind is the classification of a working tree.
type Kind string

const (
	PrebuiltStatic       Kind = "prebuilt_static"
	BuildableApplication Kind = "buildable_application"
)

// Detection is the outcome of classifying a working tree. PublishDir is
// relative to the tree root; empty means it is only known after the build.
type Detection struct {
	Kind       Kind
	PublishDir string
	Rule       string
}

// outputDirs is the conventional output directory priority order.
var outputDirs = []string{"build", "dist", "out", "public"}

const (
	manifestFile = "package.json"
	hostingFile  = "hosting.json"
	entryFile    = "index.html"
)

var hostingSchema = []byte(`{
	"type": "object",
	"properties": {
		"public": {"type": "string", "minLength": 1}
	},
	"required": ["public"]
}`)

// packageManifest is the subset of package.json the detector and builder read.
type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

// rule is one predicate in the detection table. Rules run in order; the first
// that matches wins.
type rule struct {
	name  string
	apply func(treeDir string) (Detection, bool)
}

var detectionRules = []rule{
	{"manifest with prebuilt output dir", func(dir string) (Detection, bool) {
		if !fileExists(filepath.Join(dir, manifestFile)) {
			return Detection{}, false
		}
		out, ok := firstOutputDir(dir)
		if !ok {
			return Detection{}, false
		}
		return Detection{Kind: PrebuiltStatic, PublishDir: out}, true
	}},
	{"manifest with build script", func(dir string) (Detection, bool) {
		m, err := readManifest(dir)
		if err != nil || m == nil {
			return Detection{}, false
		}
		if m.Scripts["build"] == "" {
			return Detection{}, false
		}
		return Detection{Kind: BuildableApplication}, true
	}},
	{"hosting config", func(dir string) (Detection, bool) {
		pub, ok := hostingPublicDir(dir)
		if !ok {
			return Detection{}, false
		}
		return Detection{Kind: PrebuiltStatic, PublishDir: pub}, true
	}},
	{"root entry file", func(dir string) (Detection, bool) {
		if !fileExists(filepath.Join(dir, entryFile)) {
			return Detection{}, false
		}
		return Detection{Kind: PrebuiltStatic, PublishDir: "."}, true
	}},
	{"default root", func(dir string) (Detection, bool) {
		return Detection{Kind: PrebuiltStatic, PublishDir: "."}, true
	}},
}

// Detect classifies a working tree. It never fails; the last rule always
// matches.
func Detect(treeDir string) Detection {
	for _, r := range detectionRules {
		if d, ok := r.apply(treeDir); ok {
			d.Rule = r.name
			logging.Info("build", "working tree classified",
				"rule", r.name, "kind", string(d.Kind), "publish_dir", d.PublishDir)
			return d
		}
	}
	// Unreachable: the default rule always matches.
	return Detection{Kind: PrebuiltStatic, PublishDir: ".", Rule: "default root"}
}

// firstOutputDir returns the first conventional output directory that exists
// as a directory under treeDir.
func firstOutputDir(treeDir string) (string, bool) {
	for _, d := range outputDirs {
		if dirExists(filepath.Join(treeDir, d)) {
			return d, true
		}
	}
	return "", false
}

// hostingPublicDir reads hosting.json. An invalid file is logged and treated
// as absent so detection falls through to later rules.
func hostingPublicDir(treeDir string) (string, bool) {
	path := filepath.Join(treeDir, hostingFile)
	// #nosec G304 -- path is rooted in the run's own working tree.
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var raw json.RawMessage = data
	if err := schema.Validate("hosting.json", hostingSchema, raw); err != nil {
		logging.Warn("build", "ignoring invalid hosting config", "path", path, "err", err)
		return "", false
	}
	var cfg struct {
		Public string `json:"public"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		logging.Warn("build", "ignoring unreadable hosting config", "path", path, "err", err)
		return "", false
	}
	return cfg.Public, true
}

func readManifest(treeDir string) (*packageManifest, error) {
	// #nosec G304 -- path is rooted in the run's own working tree.
	data, err := os.ReadFile(filepath.Join(treeDir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
