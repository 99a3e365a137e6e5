package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
)

// mockRegistry is an in-memory RegistryStore. InTx restores the previous
// state when fn fails. errs injects failures by operation name, e.g.
// "users.Create".
type mockRegistry struct {
	mu    sync.Mutex
	orgs  map[uuid.UUID]models.Organization
	conns map[uuid.UUID]models.Connection
	users map[string]models.User
	logs  []models.AuditLog
	calls map[string]int
	errs  map[string]error
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		orgs:  make(map[uuid.UUID]models.Organization),
		conns: make(map[uuid.UUID]models.Connection),
		users: make(map[string]models.User),
		calls: make(map[string]int),
		errs:  make(map[string]error),
	}
}

var _ repositories.RegistryStore = (*mockRegistry)(nil)

func (m *mockRegistry) Organizations() repositories.OrganizationRepository {
	return &mockOrganizationRepo{m}
}

func (m *mockRegistry) Connections() repositories.ConnectionRepository {
	return &mockConnectionRepo{m}
}

func (m *mockRegistry) Users() repositories.UserRepository {
	return &mockUserRepo{m}
}

func (m *mockRegistry) AuditLogs() repositories.AuditRepository {
	return &mockAuditRepo{m}
}

func (m *mockRegistry) InTx(ctx context.Context, fn func(repositories.RegistryStore) error) error {
	m.mu.Lock()
	orgs, conns, users := copyMap(m.orgs), copyMap(m.conns), copyMap(m.users)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.orgs, m.conns, m.users = orgs, conns, users
		m.mu.Unlock()
		return err
	}
	return nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// enter records a call and returns the injected error, if any. Callers hold m.mu.
func (m *mockRegistry) enter(op string) error {
	m.calls[op]++
	return m.errs[op]
}

func (m *mockRegistry) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockRegistry) fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

func (m *mockRegistry) putOrg(org models.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[org.ID] = org
}

func (m *mockRegistry) putConn(conn models.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.OrgID] = conn
}

func (m *mockRegistry) putUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ExternalID] = user
}

func (m *mockRegistry) auditLogs() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.logs...)
}

// seedTenant stores an active organization, connection and user and returns them.
func (m *mockRegistry) seedTenant(externalID string) (models.Organization, models.Connection, models.User) {
	org := models.Organization{ID: uuid.New(), Name: "Acme", Plan: models.PlanBasic, IsActive: true}
	conn := models.Connection{
		ID:           uuid.New(),
		OrgID:        org.ID,
		DatastoreURL: "postgres://app@acme.tenants.internal:5432/app",
		AdminKey:     "ciphertext",
		Status:       models.ConnectionStatusActive,
	}
	user := models.User{
		ID:         uuid.New(),
		OrgID:      org.ID,
		Email:      "owner@acme.test",
		Role:       models.RoleAdmin,
		ExternalID: externalID,
		IsActive:   true,
	}
	m.putOrg(org)
	m.putConn(conn)
	m.putUser(user)
	return org, conn, user
}

type mockOrganizationRepo struct{ m *mockRegistry }

func (r *mockOrganizationRepo) Create(ctx context.Context, org *models.Organization) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("organizations.Create"); err != nil {
		return err
	}
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.Plan == "" {
		org.Plan = models.PlanBasic
	}
	org.CreatedAt, org.UpdatedAt = time.Now(), time.Now()
	r.m.orgs[org.ID] = *org
	return nil
}

func (r *mockOrganizationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("organizations.GetByID"); err != nil {
		return nil, err
	}
	org, ok := r.m.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", id, apperrors.ErrNotFound)
	}
	return &org, nil
}

func (r *mockOrganizationRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("organizations.SetActive"); err != nil {
		return err
	}
	org, ok := r.m.orgs[id]
	if !ok {
		return fmt.Errorf("organization %s: %w", id, apperrors.ErrNotFound)
	}
	org.IsActive = active
	r.m.orgs[id] = org
	return nil
}

type mockConnectionRepo struct{ m *mockRegistry }

func (r *mockConnectionRepo) GetByOrgID(ctx context.Context, orgID uuid.UUID) (*models.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("connections.GetByOrgID"); err != nil {
		return nil, err
	}
	conn, ok := r.m.conns[orgID]
	if !ok {
		return nil, fmt.Errorf("connection for %s: %w", orgID, apperrors.ErrNotFound)
	}
	return &conn, nil
}

func (r *mockConnectionRepo) Upsert(ctx context.Context, conn *models.Connection) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("connections.Upsert"); err != nil {
		return err
	}
	if existing, ok := r.m.conns[conn.OrgID]; ok {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
	} else if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
		conn.CreatedAt = time.Now()
	}
	conn.UpdatedAt = time.Now()
	r.m.conns[conn.OrgID] = *conn
	return nil
}

func (r *mockConnectionRepo) RecordTest(ctx context.Context, orgID uuid.UUID, testedAt time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("connections.RecordTest"); err != nil {
		return err
	}
	conn, ok := r.m.conns[orgID]
	if !ok {
		return fmt.Errorf("connection for %s: %w", orgID, apperrors.ErrNotFound)
	}
	conn.LastTestedAt = &testedAt
	r.m.conns[orgID] = conn
	return nil
}

type mockUserRepo struct{ m *mockRegistry }

func (r *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("users.Create"); err != nil {
		return err
	}
	if _, ok := r.m.users[user.ExternalID]; ok {
		return fmt.Errorf("user %s: %w", user.ExternalID, apperrors.ErrConflict)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	r.m.users[user.ExternalID] = *user
	return nil
}

func (r *mockUserRepo) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("users.GetByExternalID"); err != nil {
		return nil, err
	}
	user, ok := r.m.users[externalID]
	if !ok {
		return nil, fmt.Errorf("user: %w", apperrors.ErrNotFound)
	}
	return &user, nil
}

func (r *mockUserRepo) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("users.UpdateLastLogin"); err != nil {
		return err
	}
	for k, u := range r.m.users {
		if u.ID == userID {
			u.LastLogin = &at
			r.m.users[k] = u
			return nil
		}
	}
	return fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
}

type mockAuditRepo struct{ m *mockRegistry }

func (r *mockAuditRepo) Append(ctx context.Context, entry *models.AuditLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter("audit.Append"); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	r.m.logs = append(r.m.logs, *entry)
	return nil
}

func (r *mockAuditRepo) ListByOrg(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*models.AuditLog
	for i := len(r.m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.m.logs[i].OrgID == orgID {
			entry := r.m.logs[i]
			out = append(out, &entry)
		}
	}
	return out, nil
}

// recordingAuditor captures events passed to Record.
type recordingAuditor struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *recordingAuditor) Record(ctx context.Context, event models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

// orderedInvalidator records invalidations and what the registry held at
// that moment.
type orderedInvalidator struct {
	registry *mockRegistry
	seen     []models.Connection
	orgs     []uuid.UUID
}

func (i *orderedInvalidator) Invalidate(orgID uuid.UUID) {
	i.orgs = append(i.orgs, orgID)
	if i.registry == nil {
		return
	}
	i.registry.mu.Lock()
	defer i.registry.mu.Unlock()
	if conn, ok := i.registry.conns[orgID]; ok {
		i.seen = append(i.seen, conn)
	}
}
