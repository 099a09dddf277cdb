// Package directory loads participant records and subject summaries from YAML
// seed files, standing in for the product's account and job services.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobchat/internal/domain"

	"gopkg.in/yaml.v3"
)

// Subject is a human-readable summary for a context subject.
type Subject struct {
	Type    domain.ContextType `yaml:"type"`
	ID      string             `yaml:"id"`
	Summary string             `yaml:"summary"`
}

type seedFile struct {
	Participants []domain.Participant `yaml:"participants"`
	Subjects     []Subject            `yaml:"subjects"`
}

// Directory is the merged content of one or more seed files.
type Directory struct {
	Participants []domain.Participant
	subjects     map[domain.ContextBinding]string
}

// Registrar receives participants when seeding.
type Registrar interface {
	RegisterParticipant(ctx context.Context, p domain.Participant) error
}

// Load reads path, which is a single YAML file or a directory of .yaml/.yml
// files. A missing path yields an empty Directory. Unreadable or malformed
// files inside a directory are logged and skipped.
func Load(path string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{subjects: make(map[domain.ContextBinding]string)}
	if path == "" {
		return d, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Debug("seed path does not exist, skipping", "path", path)
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat seed path: %w", err)
	}

	if !info.IsDir() {
		if err := d.loadFile(path); err != nil {
			return nil, err
		}
		logger.Info("directory loaded", "path", path, "participants", len(d.Participants), "subjects", len(d.subjects))
		return d, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read seed dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		file := filepath.Join(path, name)
		if err := d.loadFile(file); err != nil {
			logger.Warn("cannot load seed file", "path", file, "err", err)
			continue
		}
	}
	logger.Info("directory loaded", "path", path, "participants", len(d.Participants), "subjects", len(d.subjects))
	return d, nil
}

func (d *Directory) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	d.Participants = append(d.Participants, f.Participants...)
	for _, s := range f.Subjects {
		if s.ID == "" || !s.Type.Valid() {
			return fmt.Errorf("%s: subject %q has invalid type %q", path, s.ID, s.Type)
		}
		d.subjects[domain.ContextBinding{Type: s.Type, SubjectID: s.ID}] = s.Summary
	}
	return nil
}

// Summarize implements domain.SubjectResolver.
func (d *Directory) Summarize(_ context.Context, b domain.ContextBinding) (string, error) {
	if s, ok := d.subjects[b]; ok {
		return s, nil
	}
	return "", &domain.NotFoundError{Kind: string(b.Type), ID: b.SubjectID}
}

// Subjects returns the known subjects ordered by type and id.
func (d *Directory) Subjects() []Subject {
	out := make([]Subject, 0, len(d.subjects))
	for b, summary := range d.subjects {
		out = append(out, Subject{Type: b.Type, ID: b.SubjectID, Summary: summary})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Seed registers every participant with r. Rejected records are logged and
// skipped; the number registered is returned.
func (d *Directory) Seed(ctx context.Context, r Registrar, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	n := 0
	for _, p := range d.Participants {
		if err := r.RegisterParticipant(ctx, p); err != nil {
			logger.Warn("participant not registered", "id", p.ID, "err", err)
			continue
		}
		n++
	}
	return n
}

// Write saves participants and subjects to path as a single seed file.
func Write(path string, participants []domain.Participant, subjects []Subject) error {
	data, err := yaml.Marshal(seedFile{Participants: participants, Subjects: subjects})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
