package config

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// menuPath is where a layout source defines its menu.
const menuPath = "menu"

// LayoutParser parses CUE menu layouts and builds desired trees from them.
type LayoutParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
	meta           luigi.Metadata
}

// NewLayoutParser creates a new layout parser.
func NewLayoutParser() *LayoutParser {
	ctx := cuecontext.New()
	return &LayoutParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
		meta:           luigi.NewMetadata(),
	}
}

// Load parses the layout at path and builds the desired tree from it.
func (lp *LayoutParser) Load(ctx context.Context, path string) (*lfs.Model, *Layout, error) {
	layout, err := lp.Parse(ctx, []string{path})
	if err != nil {
		return nil, nil, err
	}
	if err := layout.Err(); err != nil {
		return nil, layout, err
	}
	model, err := lp.Build(ctx, layout)
	if err != nil {
		return nil, layout, err
	}
	return model, layout, nil
}

// Parse parses CUE layout sources. Sources may be files or directories
// holding one CUE package; all sources are unified. Validation problems are
// reported in Layout.Errors, not as an error.
func (lp *LayoutParser) Parse(ctx context.Context, sources []string) (*Layout, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError
	baseDir := ""

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = lp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
			if baseDir == "" {
				baseDir = source
			}
		} else {
			val, errs = lp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
			if baseDir == "" {
				baseDir = filepath.Dir(source)
			}
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &Layout{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &Layout{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: lp.convertCUEErrors(err)}, nil
	}

	return lp.extractLayout(cueValue, sourceFiles, baseDir), nil
}

// ParseInline parses inline CUE content. Relative paths resolve against dir.
func (lp *LayoutParser) ParseInline(ctx context.Context, content, dir string) (*Layout, error) {
	val := lp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Layout{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      lp.convertCUEErrors(err),
		}, nil
	}

	return lp.extractLayout(val, []string{"inline"}, dir), nil
}

// loadDirectory loads a directory as a CUE package.
func (lp *LayoutParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, lp.convertCUEErrors(inst.Err)
	}

	val := lp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, lp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (lp *LayoutParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := lp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, lp.convertCUEErrors(err)
	}

	return val, nil
}

// extractLayout checks the menu against the schema and decodes it.
func (lp *LayoutParser) extractLayout(val cue.Value, sourceFiles []string, baseDir string) *Layout {
	layout := &Layout{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	menuVal := val.LookupPath(cue.ParsePath(menuPath))
	if !menuVal.Exists() {
		layout.Errors = append(layout.Errors, ValidationError{
			Path:     menuPath,
			Message:  "menu is not defined",
			Severity: "error",
		})
		return layout
	}

	unified, err := lp.schemaRegistry.Unify(SchemaMenu, menuVal)
	if err != nil {
		layout.Errors = append(layout.Errors, ValidationError{Path: menuPath, Message: err.Error(), Severity: "error"})
		return layout
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		layout.Errors = append(layout.Errors, lp.convertCUEErrors(err)...)
		return layout
	}

	if err := unified.Decode(layout); err != nil {
		layout.Errors = append(layout.Errors, ValidationError{
			Path:     menuPath,
			Message:  fmt.Sprintf("failed to decode menu: %v", err),
			Severity: "error",
		})
		return layout
	}

	if err := lp.validator.Struct(layout); err != nil {
		layout.Errors = append(layout.Errors, convertValidatorErrors(err)...)
		return layout
	}

	if !filepath.IsAbs(layout.Root) {
		layout.Root = filepath.Join(baseDir, layout.Root)
	}

	return layout
}

// Build converts a layout into a desired tree. Files carry their source
// content; transcoding happens later, during reconciliation.
func (lp *LayoutParser) Build(ctx context.Context, layout *Layout) (*lfs.Model, error) {
	if err := layout.Err(); err != nil {
		return nil, err
	}

	model := lfs.New()
	var add func(items []MenuItem, parent lfs.ID, path string) error
	add = func(items []MenuItem, parent lfs.ID, path string) error {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			itemPath := path + "/" + item.Name

			if item.IsDirectory() {
				id, err := model.Append(lfs.Entity{Kind: lfs.KindDirectory, Name: item.Name}, parent, nil)
				if err != nil {
					return fmt.Errorf("%s: %w", itemPath, err)
				}
				if err := add(item.Items, id, itemPath); err != nil {
					return err
				}
				continue
			}

			fork, err := lp.loadFork(layout.Root, item)
			if err != nil {
				return fmt.Errorf("%s: %w", itemPath, err)
			}
			if _, err := model.Append(lfs.Entity{Kind: lfs.KindFile, Name: item.Name}, parent, fork); err != nil {
				return fmt.Errorf("%s: %w", itemPath, err)
			}
		}
		return nil
	}

	if err := add(layout.Items, lfs.RootID, ""); err != nil {
		return nil, err
	}
	return model, nil
}

// loadFork reads the sources of a file item. Images whose format is not
// recognised keep a checksum key so the transcode stage can report them.
func (lp *LayoutParser) loadFork(root string, item MenuItem) (*lfs.Fork, error) {
	rom, err := os.ReadFile(resolve(root, item.ROM))
	if err != nil {
		return nil, fmt.Errorf("failed to read rom: %w", err)
	}
	var cfg []byte
	if item.Config != "" {
		if cfg, err = os.ReadFile(resolve(root, item.Config)); err != nil {
			return nil, fmt.Errorf("failed to read cfg: %w", err)
		}
	}

	key := lfs.ForkKey{Rom: lp.meta.Checksum(rom), Config: lp.meta.Checksum(cfg)}
	desc, err := lp.meta.ReadHeader(rom, cfg)
	switch {
	case err == nil:
		key = desc.Key
	case !goerrors.Is(err, luigi.ErrUnsupportedRomFormat):
		return nil, err
	}
	return lfs.NewFork(key, rom, cfg), nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (lp *LayoutParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// convertValidatorErrors converts struct tag failures to ValidationErrors.
func convertValidatorErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !goerrors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on %q", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// SchemaRegistry returns the schema registry.
func (lp *LayoutParser) SchemaRegistry() *SchemaRegistry {
	return lp.schemaRegistry
}

// ExportJSON exports a parsed layout as JSON.
func (lp *LayoutParser) ExportJSON(layout *Layout) ([]byte, error) {
	return json.MarshalIndent(layout, "", "  ")
}

// LoadFromDirectory lists all CUE files below a directory.
func (lp *LayoutParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
