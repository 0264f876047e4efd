// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

// DefaultCacheTTL bounds cached abilities. Stale entries also die when
// the role version moves past them.
const DefaultCacheTTL = 5 * time.Minute

const roleMirrorTTL = time.Hour

// Decision input errors.
var (
	ErrMissingUser     = errors.New("user is required")
	ErrMissingAction   = errors.New("action is required")
	ErrMissingResource = errors.New("resource is required")
)

// Config configures the evaluator. KV and Cache are optional: without a
// KV there is no advisory mirror, without a Cache every decision builds
// the ability fresh.
type Config struct {
	KV       kv.Client
	Cache    *cache.Cache
	Sink     monitoring.Sink
	CacheTTL time.Duration
}

// rule is one entry of a built ability, with placeholder conditions
// already bound to the user.
type rule struct {
	action     string
	resource   string
	conditions []Condition
	fields     []string
}

func (r rule) matches(action, resource string) bool {
	return (r.action == action || r.action == ActionManage) &&
		(r.resource == resource || r.resource == ResourceAll)
}

// Evaluator answers permission decisions. Reads run concurrently;
// mutations take the write lock and bump the role version, which retires
// every cached ability at once.
type Evaluator struct {
	kv       kv.Client
	cache    *cache.Cache
	sink     monitoring.Sink
	cacheTTL time.Duration

	mu      sync.RWMutex
	roles   map[string]Role
	version atomic.Int64
}

// New builds an evaluator seeded with the default roles.
func New(cfg Config) *Evaluator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}
	e := &Evaluator{
		kv:       cfg.KV,
		cache:    cfg.Cache,
		sink:     cfg.Sink,
		cacheTTL: cfg.CacheTTL,
		roles:    make(map[string]Role),
	}
	for _, role := range DefaultRoles() {
		e.roles[role.Name] = role
	}
	return e
}

// Can reports whether the user may perform action on resource. With a
// subject, a rule only grants when all of its conditions hold against
// it; without one, conditions are vacuously satisfied.
func (e *Evaluator) Can(user *identity.User, action, resource string, subject any) (bool, error) {
	if user == nil {
		return false, ErrMissingUser
	}
	if action == "" {
		return false, ErrMissingAction
	}
	if resource == "" {
		return false, ErrMissingResource
	}

	allowed := false
	for _, r := range e.ability(user) {
		if r.matches(action, resource) && conditionsHold(r.conditions, subject) {
			allowed = true
			break
		}
	}

	decision := "deny"
	if allowed {
		decision = "allow"
	}
	e.sink.RecordCounter("rbac.decisions", 1, map[string]string{"decision": decision})
	return allowed, nil
}

// GetUserPermissions returns the sorted union of role-derived
// "<action>:<resource>" strings and the user's direct permissions.
func (e *Evaluator) GetUserPermissions(user *identity.User) []string {
	if user == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var perms []string
	add := func(p string) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}

	e.mu.RLock()
	for _, name := range user.Roles {
		role, ok := e.roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			add(p.Action + ":" + p.Resource)
		}
	}
	e.mu.RUnlock()

	for _, p := range user.Permissions {
		if p != "" {
			add(p)
		}
	}

	slices.Sort(perms)
	return perms
}

// GetPermittedFields returns the sorted union of field allowlists on
// every rule matching action and resource. No fields means no field
// filtering applies.
func (e *Evaluator) GetPermittedFields(user *identity.User, action, resource string) []string {
	if user == nil || action == "" || resource == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var fields []string
	for _, r := range e.ability(user) {
		if !r.matches(action, resource) {
			continue
		}
		for _, f := range r.fields {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}

	slices.Sort(fields)
	return fields
}

// AddRole inserts or replaces a role.
func (e *Evaluator) AddRole(ctx context.Context, role Role) error {
	if err := validateRole(role); err != nil {
		return err
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	stored := role.clone()

	e.mu.Lock()
	e.roles[role.Name] = stored
	e.mu.Unlock()

	e.afterMutation("add_role")
	e.mirrorRole(ctx, stored)
	return nil
}

// RemoveRole deletes a role by name.
func (e *Evaluator) RemoveRole(ctx context.Context, name string) error {
	e.mu.Lock()
	_, ok := e.roles[name]
	delete(e.roles, name)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("role %q: %w", name, kferrors.ErrNotFound)
	}

	e.afterMutation("remove_role")
	if e.kv != nil {
		if err := e.kv.Del(ctx, roleKey(name)); err != nil {
			logger.Warnw("failed to drop role mirror", "role", name, "error", err)
		}
	}
	return nil
}

// AddPermissionToRole grants one more permission to a role, replacing an
// existing grant for the same action and resource.
func (e *Evaluator) AddPermissionToRole(ctx context.Context, roleName string, perm Permission) error {
	if err := validatePermission(perm); err != nil {
		return err
	}

	e.mu.Lock()
	role, ok := e.roles[roleName]
	if ok {
		updated := role.clone()
		replaced := false
		for i, p := range updated.Permissions {
			if p.Action == perm.Action && p.Resource == perm.Resource {
				updated.Permissions[i] = perm.clone()
				replaced = true
				break
			}
		}
		if !replaced {
			updated.Permissions = append(updated.Permissions, perm.clone())
		}
		e.roles[roleName] = updated
		role = updated
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("role %q: %w", roleName, kferrors.ErrNotFound)
	}

	e.afterMutation("add_permission")
	e.mirrorRole(ctx, role)
	return nil
}

// RemovePermissionFromRole revokes the grant for action and resource.
// Removing a grant the role never had is a no-op.
func (e *Evaluator) RemovePermissionFromRole(ctx context.Context, roleName, action, resource string) error {
	e.mu.Lock()
	role, ok := e.roles[roleName]
	if ok {
		updated := role.clone()
		updated.Permissions = slices.DeleteFunc(updated.Permissions, func(p Permission) bool {
			return p.Action == action && p.Resource == resource
		})
		e.roles[roleName] = updated
		role = updated
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("role %q: %w", roleName, kferrors.ErrNotFound)
	}

	e.afterMutation("remove_permission")
	e.mirrorRole(ctx, role)
	return nil
}

// Roles returns a snapshot of every role, sorted by name.
func (e *Evaluator) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, r.clone())
	}
	slices.SortFunc(out, func(a, b Role) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// GetRole returns a copy of the named role.
func (e *Evaluator) GetRole(name string) (Role, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.roles[name]
	if !ok {
		return Role{}, false
	}
	return r.clone(), true
}

// RoleVersion returns the current mutation counter. Cached abilities are
// keyed by it, so a bump retires them all.
func (e *Evaluator) RoleVersion() int64 {
	return e.version.Load()
}

// SyncMirror writes every role's advisory copy to the KV. Used at
// startup to warm the mirror; failures only log.
func (e *Evaluator) SyncMirror(ctx context.Context) {
	for _, role := range e.Roles() {
		e.mirrorRole(ctx, role)
	}
}

// HealthCheck reports whether the evaluator can answer decisions.
func (e *Evaluator) HealthCheck() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.roles) == 0 {
		return fmt.Errorf("no roles loaded")
	}
	return nil
}

// ability returns the user's rules, rebuilt or served from the cache
// under the current role version.
func (e *Evaluator) ability(user *identity.User) []rule {
	version := e.version.Load()
	var key string
	if e.cache != nil {
		key = cache.Key("ability", user.ID+":v"+strconv.FormatInt(version, 10))
		if v, ok := e.cache.Data().Get(key); ok {
			if rules, ok := v.([]rule); ok {
				return rules
			}
		}
	}

	rules := e.buildAbility(user)
	if e.cache != nil {
		e.cache.Data().Set(key, rules, e.cacheTTL)
	}
	return rules
}

func (e *Evaluator) buildAbility(user *identity.User) []rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rules []rule
	for _, name := range user.Roles {
		role, ok := e.roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			rules = append(rules, rule{
				action:     p.Action,
				resource:   p.Resource,
				conditions: bindConditions(p.Conditions, user),
				fields:     p.Fields,
			})
		}
	}
	for _, raw := range user.Permissions {
		action, resource, ok := strings.Cut(raw, ":")
		if !ok || action == "" || resource == "" {
			continue
		}
		rules = append(rules, rule{action: action, resource: resource})
	}
	return rules
}

// bindConditions substitutes user placeholders into condition values.
func bindConditions(conditions []Condition, user *identity.User) []Condition {
	if len(conditions) == 0 {
		return nil
	}
	out := make([]Condition, len(conditions))
	copy(out, conditions)
	for i, c := range out {
		switch c.Value {
		case PlaceholderUserID:
			out[i].Value = user.ID
		case PlaceholderUserEmail:
			out[i].Value = user.Email
		}
	}
	return out
}

func (e *Evaluator) afterMutation(op string) {
	e.version.Add(1)
	if e.cache != nil {
		e.cache.InvalidatePattern("permissions:*")
		e.cache.InvalidatePattern("roles:*")
	}
	e.sink.RecordCounter("rbac.role_mutations", 1, map[string]string{"op": op})
}

// mirrorRole writes the advisory KV copy. The in-memory map is
// authoritative, so mirror failures only log.
func (e *Evaluator) mirrorRole(ctx context.Context, role Role) {
	if e.kv == nil {
		return
	}
	payload, err := json.Marshal(role)
	if err != nil {
		logger.Warnw("failed to marshal role mirror", "role", role.Name, "error", err)
		return
	}
	if err := e.kv.SetEx(ctx, roleKey(role.Name), string(payload), roleMirrorTTL); err != nil {
		logger.Warnw("failed to mirror role", "role", role.Name, "error", err)
	}
}

func roleKey(name string) string {
	return "role:" + name
}
