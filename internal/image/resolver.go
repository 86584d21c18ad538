// Package image turns an agent type into a base image reference the engine
// can start a workspace from.
//
// Resolution prefers a published registry image, then a local build from the
// agent's build definition, and finally falls back to a generic base image.
// Nothing is cached: every call resolves afresh. Checking for an already built
// local tag before going to the registry is deliberately not done, because
// workspaces are always started from a pulled or freshly built reference.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/metrics"
	"github.com/ajaxzhan/localsandbox/internal/retry"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

const (
	// DefaultAccount publishes the stock agent images.
	DefaultAccount = "superagentai"
	// DefaultAccountTag is the version tag published under DefaultAccount.
	DefaultAccountTag = "1.0"
	// BuildTimeout bounds a single image build.
	BuildTimeout = 10 * time.Minute

	definitionPrefix = "Dockerfile."
)

// Resolver resolves agent types to image references.
type Resolver struct {
	engine       engine.ImageEngine
	cfg          config.Config
	local        *config.LocalConfig
	log          *zap.Logger
	buildTimeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLocalConfig sets the parsed local config file.
func WithLocalConfig(local *config.LocalConfig) Option {
	return func(r *Resolver) { r.local = local }
}

// WithLogger sets the resolver's logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithBuildTimeout overrides BuildTimeout.
func WithBuildTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.buildTimeout = d }
}

// NewResolver creates a Resolver that pulls, builds and pushes through eng.
func NewResolver(eng engine.ImageEngine, cfg config.Config, opts ...Option) *Resolver {
	r := &Resolver{
		engine:       eng,
		cfg:          cfg,
		local:        &config.LocalConfig{},
		buildTimeout: BuildTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrDefault(r.log).Named("image")
	return r
}

// LocalTag is the tag a locally built image for agent gets.
func (r *Resolver) LocalTag(agent types.AgentType) string {
	return fmt.Sprintf("%s-%s:latest", r.cfg.ImagePrefix, agent)
}

// RegistryImage returns the registry reference for agent. pushable reports
// whether the reference belongs to an account the caller may push to, which
// is never the case for the default account.
func (r *Resolver) RegistryImage(ctx context.Context, agent types.AgentType) (ref string, pushable bool) {
	if ref, ok := r.local.RegistryImage(agent); ok {
		return ref, true
	}

	account := r.account(ctx)
	if account == "" {
		return fmt.Sprintf("%s/%s-%s:%s", DefaultAccount, r.cfg.ImagePrefix, agent, DefaultAccountTag), false
	}
	return fmt.Sprintf("%s/%s-%s:latest", account, r.cfg.ImagePrefix, agent), true
}

func (r *Resolver) account(ctx context.Context) string {
	if r.cfg.RegistryAccount != "" {
		return r.cfg.RegistryAccount
	}
	if r.local.RegistryAccount != "" {
		return r.local.RegistryAccount
	}
	account, err := r.engine.RegistryAccount(ctx)
	if err != nil {
		r.log.Debug("registry login lookup failed", zap.Error(err))
		return ""
	}
	return account
}

// BuildDefinition returns the path of agent's build definition file, if one
// exists under the configured definitions directory.
func (r *Resolver) BuildDefinition(agent types.AgentType) (string, bool) {
	if agent == "" || r.cfg.DockerfilesDir == "" {
		return "", false
	}
	p, err := securejoin.SecureJoin(r.cfg.DockerfilesDir, definitionPrefix+string(agent))
	if err != nil {
		return "", false
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Resolve returns the image reference to start agent's workspace from.
func (r *Resolver) Resolve(ctx context.Context, agent types.AgentType) (string, error) {
	if agent == "" {
		metrics.ImageResolutions.WithLabelValues("", metrics.SourceGeneric).Inc()
		return r.cfg.GenericImage, nil
	}

	log := r.log.With(logging.Agent(string(agent)))
	localTag := r.LocalTag(agent)
	registryRef, pushable := r.RegistryImage(ctx, agent)

	if r.cfg.PreferRegistry {
		err := retry.Run(ctx, r.retryPolicy(), "pull "+registryRef, log, func() error {
			return r.engine.PullImage(ctx, registryRef)
		})
		if err == nil {
			log.Info("using registry image", logging.Image(registryRef))
			metrics.ImageResolutions.WithLabelValues(string(agent), metrics.SourceRegistry).Inc()
			return registryRef, nil
		}
		if ctx.Err() != nil {
			return "", &types.ResolutionError{AgentType: agent, Image: registryRef, Err: ctx.Err()}
		}
		log.Warn("registry pull failed, trying local build", logging.Image(registryRef), zap.Error(err))
	}

	definition, ok := r.BuildDefinition(agent)
	if !ok {
		log.Warn("no build definition, using generic image",
			logging.Image(r.cfg.GenericImage),
			zap.String("dockerfiles_dir", r.cfg.DockerfilesDir),
		)
		metrics.ImageResolutions.WithLabelValues(string(agent), metrics.SourceGeneric).Inc()
		return r.cfg.GenericImage, nil
	}

	if err := r.build(ctx, definition, localTag); err != nil {
		return "", &types.ResolutionError{AgentType: agent, Image: localTag, Err: err}
	}
	log.Info("built image from definition", logging.Image(localTag), zap.String("definition", definition))
	metrics.ImageResolutions.WithLabelValues(string(agent), metrics.SourceBuild).Inc()

	if r.cfg.PushImages && pushable {
		r.push(ctx, log, localTag, registryRef)
	}
	return localTag, nil
}

func (r *Resolver) build(ctx context.Context, definition, tag string) error {
	buildCtx, cancel := context.WithTimeout(ctx, r.buildTimeout)
	defer cancel()

	err := r.engine.BuildImage(buildCtx, engine.BuildRequest{
		ContextDir: filepath.Dir(definition),
		Dockerfile: filepath.Base(definition),
		Tag:        tag,
	})
	if err != nil && errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("build timed out after %s: %w", r.buildTimeout, err)
	}
	return err
}

// push publishes a built image. Failures are logged and never fail resolution.
func (r *Resolver) push(ctx context.Context, log *zap.Logger, localTag, registryRef string) {
	if err := r.engine.TagImage(ctx, localTag, registryRef); err != nil {
		log.Warn("tagging built image failed, keeping local tag", logging.Image(registryRef), zap.Error(err))
		return
	}
	err := retry.Run(ctx, r.retryPolicy(), "push "+registryRef, log, func() error {
		return r.engine.PushImage(ctx, registryRef)
	})
	if err != nil {
		log.Warn("push failed, keeping local tag", logging.Image(registryRef), zap.Error(err))
		return
	}
	log.Info("pushed built image", logging.Image(registryRef))
}

func (r *Resolver) retryPolicy() retry.Policy {
	return retry.Policy{Attempts: r.cfg.RetryAttempts, BaseDelay: r.cfg.RetryDelay}
}
