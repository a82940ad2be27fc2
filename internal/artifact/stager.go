package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/docker"
)

// DefaultApplianceDir is where the Keyfactor image reads keystores from.
const DefaultApplianceDir = "/opt/keyfactor/signserver/res/certificates"

// Artifact locates a staged key material container.
type Artifact struct {
	FileName      string
	ObjectKey     string
	AppliancePath string
}

// Stager places containers in object storage and on the appliance.
type Stager interface {
	Stage(ctx context.Context, fileName string, data []byte) (*Artifact, error)
	// Discard removes a staged artifact that lost a concurrent creation race.
	Discard(ctx context.Context, a *Artifact) error
}

// StagerConfig configures DualStager.
type StagerConfig struct {
	// Prefix is prepended to object keys, typically "<env>/p12".
	Prefix       string
	ApplianceDir string
}

// DualStager writes to an ObjectStore first, then to the appliance through a
// docker.Runner.
type DualStager struct {
	objects      ObjectStore
	runner       docker.Runner
	prefix       string
	applianceDir string
	logger       zerolog.Logger
}

var _ Stager = (*DualStager)(nil)

func NewDualStager(objects ObjectStore, runner docker.Runner, cfg StagerConfig, logger zerolog.Logger) *DualStager {
	dir := cfg.ApplianceDir
	if dir == "" {
		dir = DefaultApplianceDir
	}
	return &DualStager{
		objects:      objects,
		runner:       runner,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		applianceDir: dir,
		logger:       logger,
	}
}

func (s *DualStager) Stage(ctx context.Context, fileName string, data []byte) (*Artifact, error) {
	if fileName == "" || strings.ContainsAny(fileName, "/\\") {
		return nil, fmt.Errorf("invalid container file name %q", fileName)
	}

	a := &Artifact{
		FileName:      fileName,
		ObjectKey:     path.Join(s.prefix, fileName),
		AppliancePath: path.Join(s.applianceDir, fileName),
	}

	if err := s.objects.Put(ctx, a.ObjectKey, data); err != nil {
		return nil, err
	}

	if err := s.runner.WriteFile(ctx, a.AppliancePath, data, 0o600); err != nil {
		if delErr := s.objects.Delete(ctx, a.ObjectKey); delErr != nil {
			s.logger.Warn().Err(delErr).Str("key", a.ObjectKey).Msg("failed to remove orphaned object")
		}
		return nil, err
	}

	s.logger.Info().
		Str("key", a.ObjectKey).
		Str("appliance_path", a.AppliancePath).
		Msg("staged key material")

	return a, nil
}

func (s *DualStager) Discard(ctx context.Context, a *Artifact) error {
	var errs []error
	if err := s.objects.Delete(ctx, a.ObjectKey); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.runner.Exec(ctx, []string{"rm", "-f", a.AppliancePath}); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", a.AppliancePath, err))
	}
	return errors.Join(errs...)
}
