// Package loader turns plugin binaries built with -buildmode=plugin into
// plugin.Plugin values by way of the abi vtable.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"slices"
	"sort"
	"strings"

	"github.com/alexisbeaulieu97/stagehand/internal/logger"
	"github.com/alexisbeaulieu97/stagehand/internal/manifest"
	"github.com/alexisbeaulieu97/stagehand/internal/plugin"
	"github.com/alexisbeaulieu97/stagehand/internal/version"
	"github.com/alexisbeaulieu97/stagehand/pkg/abi"
	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// Extensions lists the file extensions Discover treats as plugin libraries.
var Extensions = []string{".so", ".dylib", ".dll"}

// Library is an opened plugin binary.
type Library interface {
	Lookup(symbol string) (any, error)
}

// Opener opens plugin binaries.
type Opener interface {
	Open(path string) (Library, error)
}

// GoOpener opens libraries with the standard plugin package.
type GoOpener struct{}

func (GoOpener) Open(path string) (Library, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return goLibrary{so: so}, nil
}

type goLibrary struct {
	so *goplugin.Plugin
}

func (l goLibrary) Lookup(symbol string) (any, error) {
	return l.so.Lookup(symbol)
}

// Loader loads plugin binaries through an Opener.
type Loader struct {
	opener Opener
	log    *logger.Logger
}

var _ plugin.Loader = (*Loader)(nil)

// New returns a Loader. A nil opener selects GoOpener.
func New(opener Opener, log *logger.Logger) *Loader {
	if opener == nil {
		opener = GoOpener{}
	}
	return &Loader{opener: opener, log: log}
}

// Discover lists the load candidates under dir, sorted by path. A directory
// holding a manifest file (dir itself or one of its immediate children)
// contributes that manifest and nothing else; the manifest names its library.
// Without a manifest, the libraries directly inside dir are listed.
func (l *Loader) Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	if path, ok := manifest.FindFile(dir); ok {
		return []string{path}, nil
	}

	var paths []string
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if path, ok := manifest.FindFile(full); ok {
				paths = append(paths, path)
			}
			continue
		}
		if entry.Type().IsRegular() && isLibrary(entry.Name()) {
			paths = append(paths, full)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func isLibrary(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range Extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func isManifestFile(path string) bool {
	return slices.Contains(manifest.FileNames, filepath.Base(path))
}

// Load opens a plugin and validates the vtable it returns. path is either a
// library or a manifest file; a manifest is resolved to its entry point, and
// a library sitting next to a manifest must be that manifest's entry point.
// The on-disk manifest must agree with the embedded one on id and version.
// A panic raised by the plugin while loading is returned as a
// *errors.LoadError.
func (l *Loader) Load(ctx context.Context, path string) (p plugin.Plugin, err error) {
	if ctx != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, stagehanderrors.NewLoadError(path, "", ctxErr)
		}
	}

	libPath, disk, err := locate(path)
	if err != nil {
		return nil, stagehanderrors.NewLoadError(path, disk.manifest.ID, err)
	}

	lib, err := l.opener.Open(libPath)
	if err != nil {
		return nil, stagehanderrors.NewLoadError(path, "", err)
	}

	var vt *abi.VTable
	defer func() {
		if r := recover(); r != nil {
			if vt != nil {
				destroy(vt)
			}
			err = stagehanderrors.NewLoadError(path, "", fmt.Errorf("panic during load: %v", r))
			l.log.WithFields(map[string]any{"path": path}).Error(err, "plugin panicked while loading")
			p = nil
		}
	}()

	vt, err = resolveEntry(lib)
	if err != nil {
		return nil, stagehanderrors.NewLoadError(path, "", err)
	}
	if err := checkVTable(vt); err != nil {
		return nil, stagehanderrors.NewLoadError(path, "", err)
	}

	m, err := readManifest(libPath, vt, l.log)
	if err != nil {
		destroy(vt)
		return nil, stagehanderrors.NewLoadError(path, "", err)
	}
	if disk.path != "" {
		if err := disk.reconcile(&m); err != nil {
			destroy(vt)
			return nil, stagehanderrors.NewLoadError(path, m.ID, err)
		}
	}

	l.log.WithFields(map[string]any{"plugin": m.ID, "version": m.Version.String(), "path": libPath}).Debug("plugin library opened")
	return newVTablePlugin(libPath, lib, vt, m, l.log), nil
}

// onDisk is the manifest file describing a library. A zero value means the
// library has none.
type onDisk struct {
	path     string
	manifest manifest.Manifest
}

// locate resolves path to the library to open and the on-disk manifest that
// describes it, if any.
func locate(path string) (string, onDisk, error) {
	manifestPath, found := path, isManifestFile(path)
	if !found {
		manifestPath, found = manifest.FindFile(filepath.Dir(path))
	}
	if !found {
		return path, onDisk{}, nil
	}

	m, err := manifest.ParseFile(manifestPath)
	if err != nil {
		return "", onDisk{}, err
	}
	disk := onDisk{path: manifestPath, manifest: m}
	dir := filepath.Dir(manifestPath)
	if !filepath.IsLocal(m.EntryPoint) {
		return "", disk, stagehanderrors.NewFieldParseError(manifestPath, "plugin.entry_point",
			fmt.Errorf("entry point %q must stay inside %s", m.EntryPoint, dir))
	}
	for i, file := range m.Files {
		field := fmt.Sprintf("plugin.files[%d]", i)
		if !filepath.IsLocal(file) {
			return "", disk, stagehanderrors.NewFieldParseError(manifestPath, field, fmt.Errorf("file %q must stay inside %s", file, dir))
		}
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return "", disk, stagehanderrors.NewFieldParseError(manifestPath, field, err)
		}
	}

	entry := filepath.Join(dir, m.EntryPoint)
	if path != manifestPath && filepath.Clean(path) != entry {
		return "", disk, stagehanderrors.NewFieldParseError(manifestPath, "plugin.entry_point",
			fmt.Errorf("library %s is not the declared entry point %s", filepath.Base(path), m.EntryPoint))
	}
	return entry, disk, nil
}

// reconcile checks the embedded manifest against the on-disk one and carries
// over the fields only the on-disk manifest knows.
func (d onDisk) reconcile(m *manifest.Manifest) error {
	if d.manifest.ID != m.ID {
		return stagehanderrors.NewFieldParseError(d.path, "plugin.id",
			fmt.Errorf("manifest declares %q but the library reports %q", d.manifest.ID, m.ID))
	}
	if d.manifest.Version.Compare(m.Version) != 0 {
		return stagehanderrors.NewFieldParseError(d.path, "plugin.version",
			fmt.Errorf("manifest declares %s but the library reports %s", d.manifest.Version, m.Version))
	}
	m.EntryPoint = d.manifest.EntryPoint
	m.Files = append([]string(nil), d.manifest.Files...)
	return nil
}

func resolveEntry(lib Library) (*abi.VTable, error) {
	sym, err := lib.Lookup(abi.EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("entry symbol %s not found: %w", abi.EntrySymbol, err)
	}

	var entry func() *abi.VTable
	switch fn := sym.(type) {
	case func() *abi.VTable:
		entry = fn
	case *func() *abi.VTable:
		if fn != nil {
			entry = *fn
		}
	default:
		return nil, fmt.Errorf("entry symbol %s has type %T, want func() *abi.VTable", abi.EntrySymbol, sym)
	}
	if entry == nil {
		return nil, fmt.Errorf("entry symbol %s is nil", abi.EntrySymbol)
	}

	vt := entry()
	if vt == nil {
		return nil, errors.New("plugin returned a nil vtable")
	}
	return vt, nil
}

func checkVTable(vt *abi.VTable) error {
	if vt.ABIVersion != abi.Version {
		return fmt.Errorf("ABI version mismatch: plugin has %d, host expects %d", vt.ABIVersion, abi.Version)
	}

	entries := map[string]bool{
		"InstanceSize":          vt.InstanceSize != nil,
		"Name":                  vt.Name != nil,
		"Version":               vt.Version != nil,
		"LastError":             vt.LastError != nil,
		"FreeString":            vt.FreeString != nil,
		"Manifest":              vt.Manifest != nil,
		"FreeBytes":             vt.FreeBytes != nil,
		"Dependencies":          vt.Dependencies != nil,
		"FreeDependencies":      vt.FreeDependencies != nil,
		"StageRequirements":     vt.StageRequirements != nil,
		"FreeStageRequirements": vt.FreeStageRequirements != nil,
		"Conflicts":             vt.Conflicts != nil,
		"FreeStrings":           vt.FreeStrings != nil,
		"Init":                  vt.Init != nil,
		"PreflightCheck":        vt.PreflightCheck != nil,
		"RegisterStages":        vt.RegisterStages != nil,
		"Shutdown":              vt.Shutdown != nil,
		"Destroy":               vt.Destroy != nil,
	}
	var missing []string
	for name, present := range entries {
		if !present {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("vtable is missing entries: %s", strings.Join(missing, ", "))
	}

	if vt.Instance == nil {
		return errors.New("plugin instance is nil")
	}
	if vt.InstanceSize(vt.Instance) == 0 {
		return errors.New("plugin instance has zero size")
	}
	return nil
}

// readManifest copies every metadata buffer out of the plugin, freeing each
// with its paired function, and assembles a validated manifest.
func readManifest(path string, vt *abi.VTable, log *logger.Logger) (manifest.Manifest, error) {
	inst := vt.Instance

	buf := vt.Manifest(inst)
	if buf == nil {
		return manifest.Manifest{}, fmt.Errorf("plugin returned no manifest: %s", lastError(vt, log))
	}
	data := append([]byte(nil), buf.Data...)
	freed(log, "manifest", vt.FreeBytes(buf))

	var doc abi.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return manifest.Manifest{}, stagehanderrors.NewParseError(path, 0, fmt.Errorf("decoding embedded manifest: %w", err))
	}
	doc.Dependencies = nil
	doc.OptionalDependencies = nil
	doc.Conflicts.With = nil
	doc.StageRequirements = abi.StageRequirementSection{}

	if deps := vt.Dependencies(inst); deps != nil {
		for _, dep := range deps.Items {
			if dep.Required {
				if doc.Dependencies == nil {
					doc.Dependencies = make(map[string]string)
				}
				doc.Dependencies[dep.ID] = dep.Range
				continue
			}
			if doc.OptionalDependencies == nil {
				doc.OptionalDependencies = make(map[string]string)
			}
			doc.OptionalDependencies[dep.ID] = dep.Range
		}
		freed(log, "dependencies", vt.FreeDependencies(deps))
	}

	if reqs := vt.StageRequirements(inst); reqs != nil {
		for _, req := range reqs.Items {
			switch req.Kind {
			case abi.StageProvide:
				doc.StageRequirements.Provides = append(doc.StageRequirements.Provides, req.StageID)
			case abi.StageRequire:
				doc.StageRequirements.Requires = append(doc.StageRequirements.Requires, req.StageID)
			default:
				doc.StageRequirements.Optional = append(doc.StageRequirements.Optional, req.StageID)
			}
		}
		freed(log, "stage requirements", vt.FreeStageRequirements(reqs))
	}

	if conflicts := vt.Conflicts(inst); conflicts != nil {
		doc.Conflicts.With = append([]string(nil), conflicts.Items...)
		freed(log, "conflicts", vt.FreeStrings(conflicts))
	}

	m, err := manifest.FromDocument(path, doc)
	if err != nil {
		return manifest.Manifest{}, err
	}

	if name, ok := takeString(vt, vt.Name(inst), log); ok && name != m.ID {
		return manifest.Manifest{}, fmt.Errorf("plugin name %q does not match manifest id %q", name, m.ID)
	}
	if raw, ok := takeString(vt, vt.Version(inst), log); ok {
		v, err := version.Parse(raw)
		if err != nil || v.Compare(m.Version) != 0 {
			return manifest.Manifest{}, fmt.Errorf("plugin version %q does not match manifest version %s", raw, m.Version)
		}
	}
	return m, nil
}

// takeString copies and frees a string result. A nil buffer reports false.
func takeString(vt *abi.VTable, buf *abi.StringBuf, log *logger.Logger) (string, bool) {
	if buf == nil {
		return "", false
	}
	value := buf.Value
	freed(log, "string", vt.FreeString(buf))
	return value, true
}

func lastError(vt *abi.VTable, log *logger.Logger) string {
	msg, ok := takeString(vt, vt.LastError(vt.Instance), log)
	if !ok || msg == "" {
		return "no error reported"
	}
	return msg
}

func freed(log *logger.Logger, what string, code abi.ResultCode) {
	if code != abi.ResultOK {
		log.Warn(fmt.Sprintf("plugin rejected release of %s buffer: %s", what, code))
	}
}

func destroy(vt *abi.VTable) {
	defer func() { _ = recover() }()
	vt.Destroy(vt.Instance)
}
