package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/types"
)

const (
	// aiDir holds machine-generated templates, one family per CVE.
	aiDir = "ai"

	// customDir holds user-uploaded templates named by content hash.
	customDir = "custom"

	templateKeyPrefix = "template:"
)

// Library owns the template files on disk and their metadata in Redis.
// Writes are atomic: content goes to a temp file in the target directory
// and is renamed into place.
type Library struct {
	root   string
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewLibrary creates a library rooted at the given directory.
func NewLibrary(root string, rdb redis.UniversalClient) *Library {
	return &Library{
		root:   root,
		rdb:    rdb,
		logger: log.WithComponent("library"),
	}
}

// Root returns the library's base directory.
func (l *Library) Root() string { return l.root }

// CustomDir returns the directory holding uploaded templates, for
// mounting into scanner containers.
func (l *Library) CustomDir() string { return filepath.Join(l.root, customDir) }

// AIDir returns the directory holding generated templates.
func (l *Library) AIDir() string { return filepath.Join(l.root, aiDir) }

// Init creates the directory layout and reconciles metadata with the
// files actually on disk, so a wiped Redis rebuilds from the filesystem.
func (l *Library) Init(ctx context.Context) error {
	for _, dir := range []string{l.root, filepath.Join(l.root, aiDir), l.CustomDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create library directory %s: %w", dir, err)
		}
	}
	return l.rebuild(ctx)
}

func templateKey(id string) string { return templateKeyPrefix + id }

// StoreAI writes a generated or refined template for a CVE. Attempt 0 is
// the initial generation at ai/{cve}.yaml; refinements land beside it as
// ai/{cve}.r{n}.yaml. The returned template starts unvalidated.
func (l *Library) StoreAI(ctx context.Context, cveID, body string, attempt int, origin types.TemplateOrigin) (*types.Template, error) {
	if cveID == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "cve id is required")
	}

	name := cveID + ".yaml"
	if attempt > 0 {
		name = fmt.Sprintf("%s.r%d.yaml", cveID, attempt)
	}
	rel := filepath.Join(aiDir, name)
	if err := l.writeAtomic(rel, []byte(body)); err != nil {
		return nil, err
	}

	tpl := &types.Template{
		ID:                templateID(cveID, attempt),
		CVEID:             cveID,
		Filename:          rel,
		Origin:            origin,
		GenerationAttempt: attempt,
		ValidationState:   types.ValidationUnvalidated,
	}
	if err := l.saveMeta(ctx, tpl); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("cve_id", cveID).
		Str("template_id", tpl.ID).
		Int("attempt", attempt).
		Msg("template stored")
	return tpl, nil
}

// Upload stores a user-supplied template named by its content hash, so
// re-uploading identical content yields the same template id.
func (l *Library) Upload(ctx context.Context, body string) (*types.Template, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "empty template body")
	}

	sum := sha256.Sum256([]byte(body))
	id := "custom-" + hex.EncodeToString(sum[:])[:16]

	if existing, err := l.Get(ctx, id); err == nil {
		return existing, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	rel := filepath.Join(customDir, id+".yaml")
	if err := l.writeAtomic(rel, []byte(body)); err != nil {
		return nil, err
	}

	tpl := &types.Template{
		ID:              id,
		Filename:        rel,
		Origin:          types.OriginUserUploaded,
		ValidationState: types.ValidationUnvalidated,
	}
	if err := l.saveMeta(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Get returns a template's metadata, loading the body from disk.
func (l *Library) Get(ctx context.Context, id string) (*types.Template, error) {
	data, err := l.rdb.Get(ctx, templateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "template %s", id)
	}
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "template %s: %v", id, err)
	}

	var tpl types.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template %s: %w", id, err)
	}

	body, err := os.ReadFile(filepath.Join(l.root, tpl.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "template file %s", tpl.Filename)
		}
		return nil, fmt.Errorf("failed to read template %s: %w", tpl.Filename, err)
	}
	tpl.Body = string(body)
	return &tpl, nil
}

// Latest returns the newest stored template for a CVE: the highest
// refinement attempt wins.
func (l *Library) Latest(ctx context.Context, cveID string) (*types.Template, error) {
	var best *types.Template
	for attempt := 0; ; attempt++ {
		tpl, err := l.Get(ctx, templateID(cveID, attempt))
		if errdefs.IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		best = tpl
	}
	if best == nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no template for %s", cveID)
	}
	return best, nil
}

// List returns metadata for every known template, bodies excluded.
func (l *Library) List(ctx context.Context) ([]*types.Template, error) {
	var (
		cursor uint64
		out    []*types.Template
	)
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, templateKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "scan templates: %v", err)
		}
		for _, key := range keys {
			data, err := l.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "load %s: %v", key, err)
			}
			var tpl types.Template
			if err := json.Unmarshal(data, &tpl); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			out = append(out, &tpl)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// SetValidationState moves a template through its validation lifecycle.
// A valid template is immutable; invalid_max_retries is terminal too.
func (l *Library) SetValidationState(ctx context.Context, id string, state types.ValidationState) error {
	tpl, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if tpl.ValidationState == types.ValidationValid || tpl.ValidationState == types.ValidationInvalidMaxRetry {
		return errdefs.Wrapf(errdefs.ErrIllegalTransition, "template %s is %s", id, tpl.ValidationState)
	}
	tpl.ValidationState = state
	tpl.Body = ""
	return l.saveMeta(ctx, tpl)
}

// Path returns the absolute path of a template's file.
func (l *Library) Path(tpl *types.Template) string {
	return filepath.Join(l.root, tpl.Filename)
}

// ActiveForCVE reports whether the CVE already has a valid template, so
// the pipeline can skip regenerating it.
func (l *Library) ActiveForCVE(ctx context.Context, cveID string) (bool, error) {
	for attempt := 0; ; attempt++ {
		tpl, err := l.Get(ctx, templateID(cveID, attempt))
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if tpl.ValidationState == types.ValidationValid {
			return true, nil
		}
	}
}

func templateID(cveID string, attempt int) string {
	if attempt == 0 {
		return strings.ToLower(cveID)
	}
	return fmt.Sprintf("%s.r%d", strings.ToLower(cveID), attempt)
}

func (l *Library) saveMeta(ctx context.Context, tpl *types.Template) error {
	meta := *tpl
	meta.Body = "" // bodies live on disk
	data, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to marshal template %s: %w", tpl.ID, err)
	}
	if err := l.rdb.Set(ctx, templateKey(tpl.ID), data, 0).Err(); err != nil {
		return errdefs.Wrapf(errdefs.ErrKVUnavailable, "save template %s: %v", tpl.ID, err)
	}
	return nil
}

// writeAtomic writes to a temp file in the destination directory and
// renames it into place.
func (l *Library) writeAtomic(rel string, data []byte) error {
	dst := filepath.Join(l.root, rel)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", rel, err)
	}
	return nil
}

// rebuild reconciles Redis metadata with the files on disk. Files without
// metadata get a fresh unvalidated record; metadata without a file is
// dropped.
func (l *Library) rebuild(ctx context.Context) error {
	known, err := l.List(ctx)
	if err != nil {
		return err
	}
	for _, tpl := range known {
		if _, err := os.Stat(filepath.Join(l.root, tpl.Filename)); os.IsNotExist(err) {
			if err := l.rdb.Del(ctx, templateKey(tpl.ID)).Err(); err != nil {
				return errdefs.Wrapf(errdefs.ErrKVUnavailable, "drop stale template %s: %v", tpl.ID, err)
			}
			l.logger.Warn().Str("template_id", tpl.ID).Msg("dropped metadata for missing file")
		}
	}

	entries, err := os.ReadDir(filepath.Join(l.root, aiDir))
	if err != nil {
		return fmt.Errorf("failed to read ai directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		cveID, attempt, ok := parseAIName(entry.Name())
		if !ok {
			continue
		}
		id := templateID(cveID, attempt)
		n, err := l.rdb.Exists(ctx, templateKey(id)).Result()
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrKVUnavailable, "check template %s: %v", id, err)
		}
		if n > 0 {
			continue
		}
		origin := types.OriginAIGenerated
		if attempt > 0 {
			origin = types.OriginAIRefined
		}
		tpl := &types.Template{
			ID:                id,
			CVEID:             cveID,
			Filename:          filepath.Join(aiDir, entry.Name()),
			Origin:            origin,
			GenerationAttempt: attempt,
			ValidationState:   types.ValidationUnvalidated,
		}
		if err := l.saveMeta(ctx, tpl); err != nil {
			return err
		}
		l.logger.Info().Str("template_id", id).Msg("recovered template from disk")
	}
	return nil
}

// parseAIName splits "CVE-2024-1234.yaml" or "CVE-2024-1234.r2.yaml".
func parseAIName(name string) (cveID string, attempt int, ok bool) {
	base := strings.TrimSuffix(name, ".yaml")
	if base == name {
		return "", 0, false
	}
	if i := strings.LastIndex(base, ".r"); i > 0 {
		var n int
		if _, err := fmt.Sscanf(base[i:], ".r%d", &n); err == nil {
			return base[:i], n, true
		}
	}
	return base, 0, true
}
