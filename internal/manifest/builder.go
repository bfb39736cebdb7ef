package manifest

import (
	"github.com/alexisbeaulieu97/stagehand/internal/version"
)

// Builder assembles a Manifest fluently. Errors are deferred to Build.
type Builder struct {
	m        Manifest
	priority bool
	err      error
}

// New starts a manifest for the given identity. versionStr must be a semantic version.
func New(id, name, versionStr string) *Builder {
	b := &Builder{m: Manifest{ID: id, Name: name}}
	v, err := version.Parse(versionStr)
	if err != nil {
		b.err = err
		return b
	}
	b.m.Version = v
	return b
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Description sets the human readable description.
func (b *Builder) Description(d string) *Builder {
	b.m.Description = d
	return b
}

// Author sets the author.
func (b *Builder) Author(a string) *Builder {
	b.m.Author = a
	return b
}

// Website sets the homepage URL.
func (b *Builder) Website(u string) *Builder {
	b.m.Website = u
	return b
}

// License sets the license identifier.
func (b *Builder) License(l string) *Builder {
	b.m.License = l
	return b
}

// Core marks the plugin as a core plugin.
func (b *Builder) Core(core bool) *Builder {
	b.m.IsCore = core
	return b
}

// Priority sets an explicit priority.
func (b *Builder) Priority(p Priority) *Builder {
	b.m.Priority = p
	b.priority = true
	return b
}

// PriorityString parses and sets a band:value priority.
func (b *Builder) PriorityString(s string) *Builder {
	p, err := ParsePriority(s)
	if err != nil {
		b.setErr(err)
		return b
	}
	return b.Priority(p)
}

// APIVersion adds a compatible kernel API range.
func (b *Builder) APIVersion(r string) *Builder {
	parsed, err := version.ParseRange(r)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.m.APIVersions = append(b.m.APIVersions, parsed)
	return b
}

// Depends adds a required dependency. An empty range accepts any version.
func (b *Builder) Depends(id, r string) *Builder {
	parsed, err := version.ParseRange(r)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.m.Dependencies = append(b.m.Dependencies, Required(id, parsed))
	return b
}

// OptionalDepends adds an optional dependency.
func (b *Builder) OptionalDepends(id, r string) *Builder {
	parsed, err := version.ParseRange(r)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.m.Dependencies = append(b.m.Dependencies, Optional(id, parsed))
	return b
}

// ConflictsWith declares hard mutual exclusions.
func (b *Builder) ConflictsWith(ids ...string) *Builder {
	b.m.ConflictsWith = append(b.m.ConflictsWith, ids...)
	return b
}

// IncompatibleWith declares that versions of id within r cannot run alongside this plugin.
func (b *Builder) IncompatibleWith(id, r string) *Builder {
	parsed, err := version.ParseRange(r)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.m.IncompatibleWith = append(b.m.IncompatibleWith, DependencyInfo{ID: id, Range: parsed})
	return b
}

// Stage adds a stage requirement.
func (b *Builder) Stage(req StageRequirement) *Builder {
	b.m.RequiredStages = append(b.m.RequiredStages, req)
	return b
}

// Claim adds a resource claim.
func (b *Builder) Claim(kind, id string, access ResourceAccessType) *Builder {
	b.m.ResourceClaims = append(b.m.ResourceClaims, ResourceClaim{
		Resource: ResourceIdentifier{Kind: kind, ID: id},
		Access:   access,
	})
	return b
}

// EntryPoint overrides the library file name.
func (b *Builder) EntryPoint(e string) *Builder {
	b.m.EntryPoint = e
	return b
}

// Files lists auxiliary files shipped with the plugin.
func (b *Builder) Files(files ...string) *Builder {
	b.m.Files = append(b.m.Files, files...)
	return b
}

// Tags adds free-form tags.
func (b *Builder) Tags(tags ...string) *Builder {
	b.m.Tags = append(b.m.Tags, tags...)
	return b
}

// Build applies defaults, validates and returns the manifest.
func (b *Builder) Build() (Manifest, error) {
	if b.err != nil {
		return Manifest{}, b.err
	}

	m := b.m
	ApplyDefaults(&m, b.priority)
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// MustBuild panics if Build fails.
func (b *Builder) MustBuild() Manifest {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// ApplyDefaults fills in the name, entry point and priority when they are absent.
func ApplyDefaults(m *Manifest, hasPriority bool) {
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.EntryPoint == "" && m.ID != "" {
		m.EntryPoint = DefaultEntryPoint(m.ID)
	}
	if !hasPriority {
		if m.IsCore {
			m.Priority = DefaultCorePriority()
		} else {
			m.Priority = DefaultPriority()
		}
	}
}
