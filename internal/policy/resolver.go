package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// structural fields are the identity of a submission and stay signed.
var structuralFields = map[string]struct{}{"form_kind": {}, "email": {}}

// Resolver merges field policies from prioritized sources and caches the
// result until a source version changes.
type Resolver struct {
	sources []Source
	recheck time.Duration
	logg    *logger.Logger
	now     func() time.Time

	mu          sync.RWMutex
	snapshots   map[string]Snapshot
	fingerprint string
	checkedAt   time.Time
	loadErr     error
}

// ResolverParams wires the resolver from config.
type ResolverParams struct {
	Config       config.PolicyConfig
	IgnoreFields []string
	DB           *gorm.DB
	Logger       *logger.Logger
}

func NewResolver(params ResolverParams) (*Resolver, error) {
	byName := map[enums.PolicySource]Source{
		enums.PolicySourceSettings: SettingsSource{
			FormKinds:        params.Config.FormKinds,
			Required:         params.Config.DefaultRequired,
			Optional:         params.Config.DefaultOptional,
			Ignored:          params.IgnoreFields,
			RequireSignature: params.Config.RequireSignature,
		},
	}
	if strings.TrimSpace(params.Config.YAMLPath) != "" {
		byName[enums.PolicySourceYAML] = YAMLSource{Path: params.Config.YAMLPath}
	}
	if params.DB != nil {
		byName[enums.PolicySourceDB] = DBSource{DB: params.DB}
	}

	var ordered []Source
	for _, raw := range params.Config.Priority {
		name, err := enums.ParsePolicySource(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if src, ok := byName[name]; ok {
			ordered = append(ordered, src)
		}
	}
	return NewResolverWithSources(ordered, params.Config.RecheckInterval, params.Logger), nil
}

// NewResolverWithSources takes sources highest priority first.
func NewResolverWithSources(sources []Source, recheck time.Duration, logg *logger.Logger) *Resolver {
	return &Resolver{
		sources: sources,
		recheck: recheck,
		logg:    logg,
		now:     time.Now,
	}
}

// Policy returns the merged snapshot for formKind.
func (r *Resolver) Policy(ctx context.Context, formKind string) (Snapshot, error) {
	if err := r.refresh(ctx); err != nil {
		return Snapshot{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.loadErr != nil {
		return Snapshot{}, r.loadErr
	}
	snap, ok := r.snapshots[strings.TrimSpace(formKind)]
	if !ok {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodePolicyMissing, "unknown form kind").
			WithDetails(map[string]any{"form_kind": formKind})
	}
	return snap, nil
}

// Invalidate forces the next lookup to re-read every source.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.fingerprint = ""
	r.checkedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Resolver) refresh(ctx context.Context) error {
	now := r.now()
	r.mu.RLock()
	fresh := r.snapshots != nil && r.recheck > 0 && now.Sub(r.checkedAt) < r.recheck
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	fingerprint, err := r.versions(ctx)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "policy sources unavailable")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkedAt = now
	if r.snapshots != nil && fingerprint == r.fingerprint {
		return nil
	}

	snapshots, err := r.merge(ctx)
	if err != nil {
		// keep serving the last good snapshot when a reload breaks
		if r.snapshots != nil {
			if r.logg != nil {
				r.logg.Error(ctx, "policy reload failed; keeping previous snapshot", err)
			}
			return nil
		}
		r.loadErr = err
		r.snapshots = map[string]Snapshot{}
		r.fingerprint = fingerprint
		return nil
	}
	r.snapshots = snapshots
	r.fingerprint = fingerprint
	r.loadErr = nil
	if r.logg != nil {
		r.logg.Info(r.logg.WithField(ctx, "form_kinds", len(snapshots)), "policy snapshot reloaded")
	}
	return nil
}

func (r *Resolver) versions(ctx context.Context) (string, error) {
	parts := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		v, err := src.Version(ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, string(src.Name())+"="+v)
	}
	return strings.Join(parts, "|"), nil
}

func (r *Resolver) merge(ctx context.Context) (map[string]Snapshot, error) {
	loaded := make([]map[string]definition, len(r.sources))
	kinds := map[string]struct{}{}
	for i, src := range r.sources {
		defs, err := src.Load(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePolicyInvalid, err, fmt.Sprintf("load %s policies", src.Name()))
		}
		loaded[i] = defs
		for kind := range defs {
			kinds[kind] = struct{}{}
		}
	}

	out := make(map[string]Snapshot, len(kinds))
	for kind := range kinds {
		snap := Snapshot{FormKind: kind}
		var haveReq, haveOpt, haveIgn, haveSig bool
		for _, defs := range loaded {
			def, ok := defs[kind]
			if !ok {
				continue
			}
			if !haveReq && def.Required != nil {
				snap.Required, haveReq = normalizeSet(def.Required), true
			}
			if !haveOpt && def.Optional != nil {
				snap.Optional, haveOpt = normalizeSet(def.Optional), true
			}
			if !haveIgn && def.Ignored != nil {
				snap.IgnoredForSignature, haveIgn = normalizeSet(def.Ignored), true
			}
			if !haveSig && def.RequireSignature != nil {
				snap.RequireSignature, haveSig = *def.RequireSignature, true
			}
		}
		if err := validate(snap); err != nil {
			return nil, err
		}
		out[kind] = snap
	}
	return out, nil
}

func validate(snap Snapshot) error {
	for _, field := range snap.IgnoredForSignature {
		if _, ok := structuralFields[field]; ok || field == "*" {
			return pkgerrors.New(pkgerrors.CodePolicyInvalid, "structural field excluded from signature").
				WithDetails(map[string]any{"form_kind": snap.FormKind, "field": field})
		}
		for _, req := range snap.Required {
			if req == field {
				return pkgerrors.New(pkgerrors.CodePolicyInvalid, "required field excluded from signature").
					WithDetails(map[string]any{"form_kind": snap.FormKind, "field": field})
			}
		}
	}
	return nil
}
