package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// DefinitionService validates and versions workflow definitions.
type DefinitionService struct {
	store    ports.Store
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDefinitionService(store ports.Store, logger *slog.Logger) *DefinitionService {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &DefinitionService{
		store:    store,
		validate: v,
		logger:   logger.With("component", "definitions"),
	}
}

// Create stores def as the next version of its name. A version set by the
// caller is ignored.
func (s *DefinitionService) Create(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	def = def.Clone()
	def.ID = ""
	def.Version = 1
	normalize(def)

	if err := s.Validate(def); err != nil {
		return nil, err
	}

	latest, err := s.store.GetLatestDefinition(ctx, def.Name)
	switch {
	case err == nil:
		def.Version = latest.Version + 1
	case !domain.IsNotFound(err):
		return nil, err
	}

	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition %s v%d: %w", def.Name, def.Version, err)
	}
	s.logger.Info("definition created", "definition_id", def.ID, "name", def.Name, "version", def.Version)
	return def, nil
}

// Update replaces the body of an existing definition in place. Name and
// version stay as stored; a definition with live runs cannot change.
func (s *DefinitionService) Update(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	existing, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, existing, "update"); err != nil {
		return nil, err
	}

	def = def.Clone()
	def.ID = existing.ID
	def.Name = existing.Name
	def.Version = existing.Version
	def.CreatedAt = existing.CreatedAt
	normalize(def)

	if err := s.Validate(def); err != nil {
		return nil, err
	}
	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition %s: %w", id, err)
	}
	s.logger.Info("definition updated", "definition_id", def.ID, "name", def.Name, "version", def.Version)
	return def, nil
}

func (s *DefinitionService) Delete(ctx context.Context, id string) error {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(ctx, def, "delete"); err != nil {
		return err
	}
	if err := s.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.logger.Info("definition deleted", "definition_id", id, "name", def.Name, "version", def.Version)
	return nil
}

func (s *DefinitionService) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

func (s *DefinitionService) Latest(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	return s.store.GetLatestDefinition(ctx, name)
}

func (s *DefinitionService) GetVersion(ctx context.Context, name string, version int) (*domain.WorkflowDefinition, error) {
	if version <= 0 {
		return s.store.GetLatestDefinition(ctx, name)
	}
	return s.store.GetDefinitionByNameVersion(ctx, name, version)
}

func (s *DefinitionService) List(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// Validate checks the field rules on the definition and its tasks, then the
// rules that span tasks: unique ids and existing branch and dependency
// targets.
func (s *DefinitionService) Validate(def *domain.WorkflowDefinition) error {
	var problems []string

	if err := s.validate.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate definition: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeField(fe))
		}
	}

	seen := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		if seen[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true
	}
	for _, t := range def.Tasks {
		for _, target := range []string{t.NextTaskOnSuccess, t.NextTaskOnFailure} {
			if target != "" && !seen[target] {
				problems = append(problems, fmt.Sprintf("task %q branches to unknown task %q", t.ID, target))
			}
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid workflow definition: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidInput)
}

func (s *DefinitionService) ensureIdle(ctx context.Context, def *domain.WorkflowDefinition, op string) error {
	active, err := s.store.CountActiveRuns(ctx, def.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("cannot %s definition %s v%d with %d active runs: %w", op, def.Name, def.Version, active, domain.ErrInvalidState)
	}
	return nil
}

// normalize gives every task an id so branch targets can refer to it.
func normalize(def *domain.WorkflowDefinition) {
	for i := range def.Tasks {
		if def.Tasks[i].ID == "" {
			def.Tasks[i].ID = uuid.NewString()
		}
	}
}

func describeField(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", path, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

// DefinitionFile is the YAML document accepted by LoadDefinitions. It holds
// either one definition or a list under "workflows".
type DefinitionFile struct {
	Workflows []domain.WorkflowDefinition `yaml:"workflows"`
}

// LoadDefinitions decodes every YAML document in r.
func LoadDefinitions(r io.Reader) ([]*domain.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	var defs []*domain.WorkflowDefinition
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode definition file: %w", err)
		}

		var file DefinitionFile
		if err := node.Decode(&file); err == nil && len(file.Workflows) > 0 {
			for i := range file.Workflows {
				defs = append(defs, &file.Workflows[i])
			}
			continue
		}

		var def domain.WorkflowDefinition
		if err := node.Decode(&def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		defs = append(defs, &def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("definition file holds no workflows: %w", domain.ErrInvalidInput)
	}
	return defs, nil
}

func LoadDefinitionFile(path string) ([]*domain.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDefinitions(f)
}

// Apply creates a new version for each definition.
func (s *DefinitionService) Apply(ctx context.Context, defs []*domain.WorkflowDefinition) ([]*domain.WorkflowDefinition, error) {
	out := make([]*domain.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		created, err := s.Create(ctx, def)
		if err != nil {
			return out, fmt.Errorf("apply %s: %w", def.Name, err)
		}
		out = append(out, created)
	}
	return out, nil
}
