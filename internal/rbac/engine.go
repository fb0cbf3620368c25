package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/metrics"
)

// Sentinel errors surfaced by the engine.
var (
	ErrUserNotFound       = errors.New("rbac: user not found")
	ErrRoleNotFound       = errors.New("rbac: role not found")
	ErrAssignmentNotFound = errors.New("rbac: role assignment not found")
	ErrAlreadyAssigned    = errors.New("rbac: role already assigned")
)

// Engine resolves effective roles and permissions for a user.
//
// Resolution order: live role assignments first, scoped to the requested
// project plus global assignments; only when the user has no live assignment
// at all does the legacy flat role mapping apply. Expired assignments are
// filtered at read time, so revocation by expiry needs no background job to
// take effect.
type Engine struct {
	db       *gorm.DB
	recorder *security.Recorder
	now      func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine constructs a permission resolution engine.
func NewEngine(db *gorm.DB, recorder *security.Recorder, opts ...EngineOption) (*Engine, error) {
	if db == nil {
		return nil, errors.New("rbac: db is required")
	}

	engine := &Engine{
		db:       db,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// UserHasPermission reports whether the user holds the named permission in
// the given project scope. An empty projectID means the global scope, where
// only global assignments count. Unknown permission names are an error, not
// a deny, so misconfigured checks surface instead of silently failing.
func (e *Engine) UserHasPermission(ctx context.Context, userID, permission, projectID string) (bool, error) {
	if _, ok := Lookup(permission); !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownPermission, permission)
	}

	roles, err := e.effectiveRoles(ctx, userID, projectID)
	if err != nil {
		return false, err
	}

	granted := false
	for _, role := range roles {
		for _, perm := range role.Permissions {
			if perm.Name == permission {
				granted = true
				break
			}
		}
		if granted {
			break
		}
	}

	result := "denied"
	if granted {
		result = "granted"
	}
	metrics.PermissionChecks.WithLabelValues(permission, result).Inc()

	return granted, nil
}

// GetUserRoles returns the user's effective roles in the given project scope,
// including global assignments and the legacy fallback when applicable.
func (e *Engine) GetUserRoles(ctx context.Context, userID, projectID string) ([]models.Role, error) {
	roles, err := e.effectiveRoles(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// GetUserPermissions returns the union of permissions across the user's
// effective roles, deduplicated and ordered by name.
func (e *Engine) GetUserPermissions(ctx context.Context, userID, projectID string) ([]models.Permission, error) {
	roles, err := e.effectiveRoles(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]models.Permission)
	for _, role := range roles {
		for _, perm := range role.Permissions {
			seen[perm.Name] = perm
		}
	}

	permissions := make([]models.Permission, 0, len(seen))
	for _, perm := range seen {
		permissions = append(permissions, perm)
	}
	sort.Slice(permissions, func(i, j int) bool { return permissions[i].Name < permissions[j].Name })
	return permissions, nil
}

// AssignRoleInput describes a role grant.
type AssignRoleInput struct {
	UserID     string
	RoleID     string
	ProjectID  *string
	AssignedBy string
	ExpiresAt  *time.Time
}

// AssignRole grants a role to a user, optionally scoped to a project and
// optionally expiring. A live duplicate for the same user, role, and scope is
// a conflict; an expired record for the tuple is replaced by a fresh one.
func (e *Engine) AssignRole(ctx context.Context, input AssignRoleInput) (*models.RoleAssignment, error) {
	userID := strings.TrimSpace(input.UserID)
	roleID := strings.TrimSpace(input.RoleID)
	if userID == "" || roleID == "" {
		return nil, errors.New("rbac: user id and role id are required")
	}

	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("rbac: load user: %w", err)
	}

	var role models.Role
	if err := e.db.WithContext(ctx).First(&role, "id = ?", roleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("rbac: load role: %w", err)
	}

	now := e.now().UTC()

	assignment := &models.RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		ProjectID:  normalizeProjectID(input.ProjectID),
		AssignedBy: strings.TrimSpace(input.AssignedBy),
		AssignedAt: now,
		ExpiresAt:  input.ExpiresAt,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.RoleAssignment
		query := tx.Where("user_id = ? AND role_id = ?", userID, roleID)
		if assignment.ProjectID == nil {
			query = query.Where("project_id IS NULL")
		} else {
			query = query.Where("project_id = ?", *assignment.ProjectID)
		}

		switch err := query.First(&existing).Error; {
		case err == nil:
			if existing.Live(now) {
				return ErrAlreadyAssigned
			}
			// Expired record for the same tuple: replace it so the new
			// grant gets a fresh assignment date and expiry.
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("replace expired assignment: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("lookup assignment: %w", err)
		}

		return tx.Create(assignment).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyAssigned) {
			return nil, ErrAlreadyAssigned
		}
		return nil, fmt.Errorf("rbac: assign role: %w", err)
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, security.Event{
			Type:        security.EventRoleAssigned,
			Severity:    models.SeverityInfo,
			Description: fmt.Sprintf("role %s assigned to user %s", role.Name, user.Username),
			ActorID:     optionalID(input.AssignedBy),
			Metadata: map[string]any{
				"user_id":    userID,
				"role_id":    roleID,
				"role_name":  role.Name,
				"project_id": derefProjectID(assignment.ProjectID),
				"expires_at": formatExpiry(input.ExpiresAt),
			},
		})
	}

	return assignment, nil
}

// RemoveRole revokes a role grant for the given user, role, and scope.
func (e *Engine) RemoveRole(ctx context.Context, userID, roleID string, projectID *string, removedBy string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return errors.New("rbac: user id and role id are required")
	}

	query := e.db.WithContext(ctx).Where("user_id = ? AND role_id = ?", userID, roleID)
	normalized := normalizeProjectID(projectID)
	if normalized == nil {
		query = query.Where("project_id IS NULL")
	} else {
		query = query.Where("project_id = ?", *normalized)
	}

	result := query.Delete(&models.RoleAssignment{})
	if result.Error != nil {
		return fmt.Errorf("rbac: remove role: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAssignmentNotFound
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, security.Event{
			Type:        security.EventRoleRemoved,
			Severity:    models.SeverityInfo,
			Description: "role assignment removed",
			ActorID:     optionalID(removedBy),
			Metadata: map[string]any{
				"user_id":    userID,
				"role_id":    roleID,
				"project_id": derefProjectID(normalized),
			},
		})
	}

	return nil
}

// ListAssignments returns all live assignments for a user across scopes.
func (e *Engine) ListAssignments(ctx context.Context, userID string) ([]models.RoleAssignment, error) {
	now := e.now().UTC()

	var assignments []models.RoleAssignment
	err := e.db.WithContext(ctx).
		Preload("Role").
		Where("user_id = ?", userID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("assigned_at DESC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	return assignments, nil
}

// IsAtLeastRole reports whether role a ranks at or above role b in the role
// hierarchy. Both names must exist in the role catalog.
func (e *Engine) IsAtLeastRole(ctx context.Context, a, b string) (bool, error) {
	levelA, err := e.roleLevel(ctx, a)
	if err != nil {
		return false, err
	}
	levelB, err := e.roleLevel(ctx, b)
	if err != nil {
		return false, err
	}
	return levelA >= levelB, nil
}

func (e *Engine) roleLevel(ctx context.Context, name string) (int, error) {
	var role models.Role
	if err := e.db.WithContext(ctx).First(&role, "name = ?", strings.TrimSpace(name)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		return 0, fmt.Errorf("rbac: load role: %w", err)
	}
	return role.Level, nil
}

// effectiveRoles resolves the user's roles for a project scope. Assignments
// win over the legacy flat role: the fallback applies only when the user has
// no live assignment in any scope, so a user with a single project-scoped
// assignment checking a different project gets no roles rather than their
// legacy one.
func (e *Engine) effectiveRoles(ctx context.Context, userID, projectID string) ([]models.Role, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("rbac: user id is required")
	}

	now := e.now().UTC()

	var assignments []models.RoleAssignment
	err := e.db.WithContext(ctx).
		Preload("Role.Permissions").
		Where("user_id = ?", userID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("rbac: load assignments: %w", err)
	}

	if len(assignments) == 0 {
		return e.legacyRoles(ctx, userID)
	}

	seen := make(map[string]struct{})
	var roles []models.Role
	for _, assignment := range assignments {
		if !assignment.ScopedTo(projectID) {
			continue
		}
		if _, ok := seen[assignment.RoleID]; ok {
			continue
		}
		if assignment.Role == nil {
			continue
		}
		seen[assignment.RoleID] = struct{}{}
		roles = append(roles, *assignment.Role)
	}

	return roles, nil
}

// legacyRoles maps the user's flat role string onto the seeded role catalog.
func (e *Engine) legacyRoles(ctx context.Context, userID string) ([]models.Role, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("rbac: load user: %w", err)
	}

	legacy := strings.TrimSpace(user.LegacyRole)
	if legacy == "" {
		return nil, nil
	}

	var mapping models.LegacyRoleMapping
	if err := e.db.WithContext(ctx).First(&mapping, "legacy_name = ?", legacy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unmapped legacy roles grant nothing. The mapping table is
			// seeded data, so a miss means an operator removed the entry.
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: load legacy mapping: %w", err)
	}

	var role models.Role
	if err := e.db.WithContext(ctx).Preload("Permissions").First(&role, "id = ?", mapping.RoleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: load legacy role: %w", err)
	}

	return []models.Role{role}, nil
}

func normalizeProjectID(projectID *string) *string {
	if projectID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*projectID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func optionalID(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}

func derefProjectID(projectID *string) string {
	if projectID == nil {
		return ""
	}
	return *projectID
}

func formatExpiry(expiry *time.Time) string {
	if expiry == nil {
		return ""
	}
	return expiry.UTC().Format(time.RFC3339)
}
