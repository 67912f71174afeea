// Package seed imports exclusion lists declared in a YAML manifest and keeps
// them in step with the file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"warden/internal/domain"
	"warden/internal/exclusion/matcher"
	"warden/internal/lists"
	"warden/internal/support"
)

// Manifest is the top level of a seed file.
//
//	lists:
//	  - name: corporate-domains
//	    types: [Domain-Name, Hostname]
//	    values: [intranet.example]
//	  - name: scanner-ranges
//	    types: [IPv4-Addr]
//	    enabled: false
//	    file: scanners.txt
type Manifest struct {
	Lists []ListSpec `yaml:"lists"`
}

type ListSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Types       []string `yaml:"types"`
	Enabled     *bool    `yaml:"enabled"`
	Values      []string `yaml:"values"`
	File        string   `yaml:"file"`
}

func (s ListSpec) enabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ListService is the part of lists.Service the importer needs.
type ListService interface {
	Create(ctx context.Context, in lists.Input) (domain.ExclusionList, error)
	Update(ctx context.Context, id string, patch lists.Patch) (domain.ExclusionList, error)
	FindByName(ctx context.Context, name string) (domain.ExclusionList, error)
}

type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

type Importer struct {
	lists ListService
	path  string
}

func NewImporter(svc ListService, path string) *Importer {
	return &Importer{lists: svc, path: path}
}

func (im *Importer) Path() string {
	return im.path
}

// Load reads and decodes the manifest.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("seed: read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("seed: decode manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Lists))
	for i, spec := range m.Lists {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return Manifest{}, fmt.Errorf("seed: list %d has no name", i)
		}
		if _, dup := seen[name]; dup {
			return Manifest{}, fmt.Errorf("seed: list %q declared twice", name)
		}
		seen[name] = struct{}{}
		if spec.File != "" && len(spec.Values) > 0 {
			return Manifest{}, fmt.Errorf("seed: list %q sets both values and file", name)
		}
		m.Lists[i].Name = name
	}
	return m, nil
}

// Apply upserts every manifest list by name. A failing list does not stop the
// others; all failures are returned joined.
func (im *Importer) Apply(ctx context.Context) (Result, error) {
	m, err := Load(im.path)
	if err != nil {
		return Result{}, err
	}

	var (
		res  Result
		errs []error
	)
	for _, spec := range m.Lists {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, err := im.applyList(ctx, spec)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("seed: list %q: %w", spec.Name, err))
			log.Warn("Seed list failed", "name", spec.Name, "error", err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	log.Info("Seed manifest applied", "path", im.path, "created", res.Created, "updated", res.Updated,
		"unchanged", res.Unchanged, "failed", res.Failed)
	return res, errors.Join(errs...)
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

func (im *Importer) applyList(ctx context.Context, spec ListSpec) (outcome, error) {
	content, err := im.content(spec)
	if err != nil {
		return outcomeUnchanged, err
	}

	existing, err := im.lists.FindByName(ctx, spec.Name)
	if errors.Is(err, lists.ErrNotFound) {
		_, err := im.lists.Create(ctx, lists.Input{
			Name:        spec.Name,
			Description: spec.Description,
			EntityTypes: spec.Types,
			Enabled:     spec.enabled(),
			Content:     content,
		})
		if err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	patch, changed := diff(existing, spec, content)
	if !changed {
		return outcomeUnchanged, nil
	}
	if _, err := im.lists.Update(ctx, existing.ID, patch); err != nil {
		return outcomeUnchanged, err
	}
	return outcomeUpdated, nil
}

func (im *Importer) content(spec ListSpec) (string, error) {
	if spec.File == "" {
		return strings.Join(spec.Values, "\n"), nil
	}
	data, err := os.ReadFile(im.resolve(spec.File))
	if err != nil {
		return "", fmt.Errorf("read list file: %w", err)
	}
	return string(data), nil
}

func (im *Importer) resolve(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(im.path), file)
}

// diff builds the patch that brings existing in line with spec. Content is
// compared by hash so unchanged lists are not rewritten.
func diff(existing domain.ExclusionList, spec ListSpec, content string) (lists.Patch, bool) {
	var (
		patch   lists.Patch
		changed bool
	)

	if existing.Description != strings.TrimSpace(spec.Description) {
		description := spec.Description
		patch.Description = &description
		changed = true
	}
	if enabled := spec.enabled(); existing.Enabled != enabled {
		patch.Enabled = &enabled
		changed = true
	}
	if !sameTypes(existing.Types(), spec.Types) {
		patch.EntityTypes = spec.Types
		changed = true
	}
	if existing.ContentHash != support.HashContent(content) {
		patch.Content = &content
		changed = true
	}
	return patch, changed
}

func sameTypes(current []matcher.EntityType, raw []string) bool {
	wanted := make([]matcher.EntityType, 0, len(raw))
	for _, r := range raw {
		t, err := matcher.ParseEntityType(r)
		if err != nil {
			// let the service reject it
			return false
		}
		if !slices.Contains(wanted, t) {
			wanted = append(wanted, t)
		}
	}
	if len(wanted) != len(current) {
		return false
	}
	for _, t := range wanted {
		if !slices.Contains(current, t) {
			return false
		}
	}
	return true
}
