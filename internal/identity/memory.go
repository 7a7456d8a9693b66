package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the api binary's
// no-database mode. Transactions are serialized behind a writer lock and
// roll back by restoring a snapshot, which gives InTx the same observable
// guarantees the Postgres store gets from serializable isolation.
type MemoryStore struct {
	txMu   sync.RWMutex
	dataMu sync.Mutex
	d      *memData
}

type memData struct {
	users       map[string]*User
	sessions    map[string]*Session
	orgs        map[string]*Organization
	memberships map[string]map[string]*Membership
	invitations map[string]*Invitation
	twofactor   map[string]*TwoFactorCredential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: newMemData()}
}

func newMemData() *memData {
	return &memData{
		users:       make(map[string]*User),
		sessions:    make(map[string]*Session),
		orgs:        make(map[string]*Organization),
		memberships: make(map[string]map[string]*Membership),
		invitations: make(map[string]*Invitation),
		twofactor:   make(map[string]*TwoFactorCredential),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.users {
		c.users[k] = copyUser(v)
	}
	for k, v := range d.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range d.orgs {
		c.orgs[k] = copyOrg(v)
	}
	for org, members := range d.memberships {
		inner := make(map[string]*Membership, len(members))
		for k, v := range members {
			m := *v
			inner[k] = &m
		}
		c.memberships[org] = inner
	}
	for k, v := range d.invitations {
		inv := *v
		c.invitations[k] = &inv
	}
	for k, v := range d.twofactor {
		c.twofactor[k] = copyCredential(v)
	}
	return c
}

func copyUser(u *User) *User {
	v := *u
	v.BanExpiresAt = copyTime(u.BanExpiresAt)
	return &v
}

func copySession(s *Session) *Session {
	v := *s
	v.RevokedAt = copyTime(s.RevokedAt)
	return &v
}

func copyOrg(o *Organization) *Organization {
	v := *o
	return &v
}

func copyCredential(c *TwoFactorCredential) *TwoFactorCredential {
	v := *c
	v.Secret = append([]byte(nil), c.Secret...)
	v.PendingSecret = append([]byte(nil), c.PendingSecret...)
	v.PendingExpiresAt = copyTime(c.PendingExpiresAt)
	v.LastVerifiedAt = copyTime(c.LastVerifiedAt)
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (m *MemoryStore) enter() func() {
	m.txMu.RLock()
	m.dataMu.Lock()
	return func() {
		m.dataMu.Unlock()
		m.txMu.RUnlock()
	}
}

// InTx runs fn exclusively; on error every mutation fn made is rolled back.
func (m *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snapshot := m.d.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Users() UserStore                 { return memUsers{m: m, locked: true} }
func (m *MemoryStore) Sessions() SessionStore           { return memSessions{m: m, locked: true} }
func (m *MemoryStore) Organizations() OrganizationStore { return memOrgs{m: m, locked: true} }
func (m *MemoryStore) Memberships() MembershipStore     { return memMemberships{m: m, locked: true} }
func (m *MemoryStore) Invitations() InvitationStore     { return memInvitations{m: m, locked: true} }
func (m *MemoryStore) TwoFactor() TwoFactorStore        { return memTwoFactor{m: m, locked: true} }

// memTx is the store view handed to InTx callbacks: the transaction already
// holds the writer lock, so its sub-stores skip locking.
type memTx struct {
	m *MemoryStore
}

func (t *memTx) InTx(ctx context.Context, fn func(Store) error) error { return fn(t) }

func (t *memTx) Users() UserStore                 { return memUsers{m: t.m} }
func (t *memTx) Sessions() SessionStore           { return memSessions{m: t.m} }
func (t *memTx) Organizations() OrganizationStore { return memOrgs{m: t.m} }
func (t *memTx) Memberships() MembershipStore     { return memMemberships{m: t.m} }
func (t *memTx) Invitations() InvitationStore     { return memInvitations{m: t.m} }
func (t *memTx) TwoFactor() TwoFactorStore        { return memTwoFactor{m: t.m} }

// --- users ---

type memUsers struct {
	m      *MemoryStore
	locked bool
}

func (s memUsers) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memUsers) Create(ctx context.Context, u *User) error {
	defer s.acquire()()
	for _, existing := range s.m.d.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
	}
	s.m.d.users[u.ID] = copyUser(u)
	return nil
}

func (s memUsers) Find(ctx context.Context, id string) (*User, error) {
	defer s.acquire()()
	u, ok := s.m.d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (s memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	defer s.acquire()()
	for _, u := range s.m.d.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) Update(ctx context.Context, u *User) error {
	defer s.acquire()()
	if _, ok := s.m.d.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.m.d.users[u.ID] = copyUser(u)
	return nil
}

func (s memUsers) List(ctx context.Context, filter UserFilter) ([]*User, error) {
	defer s.acquire()()
	var out []*User
	for _, u := range s.m.d.users {
		if matchUserFilter(u, filter) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s memUsers) Count(ctx context.Context, filter UserFilter) (int, error) {
	defer s.acquire()()
	n := 0
	for _, u := range s.m.d.users {
		if matchUserFilter(u, filter) {
			n++
		}
	}
	return n, nil
}

func matchUserFilter(u *User, filter UserFilter) bool {
	if filter.Role != "" && u.Role != filter.Role {
		return false
	}
	if filter.Banned != nil && u.Banned != *filter.Banned {
		return false
	}
	return true
}

func (s memUsers) Delete(ctx context.Context, id string) error {
	defer s.acquire()()
	if _, ok := s.m.d.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.d.users, id)
	for sid, sess := range s.m.d.sessions {
		if sess.UserID == id {
			delete(s.m.d.sessions, sid)
		}
	}
	for _, members := range s.m.d.memberships {
		delete(members, id)
	}
	delete(s.m.d.twofactor, id)
	return nil
}

// --- sessions ---

type memSessions struct {
	m      *MemoryStore
	locked bool
}

func (s memSessions) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memSessions) Create(ctx context.Context, sess *Session) error {
	defer s.acquire()()
	if _, ok := s.m.d.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	s.m.d.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s memSessions) Find(ctx context.Context, id string) (*Session, error) {
	defer s.acquire()()
	sess, ok := s.m.d.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s memSessions) FindByTokenHash(ctx context.Context, hash string) (*Session, error) {
	defer s.acquire()()
	for _, sess := range s.m.d.sessions {
		if sess.TokenHash == hash {
			return copySession(sess), nil
		}
	}
	return nil, ErrNotFound
}

func (s memSessions) ListByUser(ctx context.Context, userID string, includeImpersonated bool) ([]*Session, error) {
	defer s.acquire()()
	var out []*Session
	for _, sess := range s.m.d.sessions {
		if sess.UserID != userID {
			continue
		}
		if sess.ImpersonatedBy != "" && !includeImpersonated {
			continue
		}
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s memSessions) Revoke(ctx context.Context, id string, at time.Time) error {
	defer s.acquire()()
	sess, ok := s.m.d.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.RevokedAt != nil {
		return ErrNotFound
	}
	sess.RevokedAt = &at
	return nil
}

func (s memSessions) RevokeAllForUser(ctx context.Context, userID string, asOf time.Time) (int, error) {
	defer s.acquire()()
	n := 0
	for _, sess := range s.m.d.sessions {
		if sess.UserID != userID || sess.RevokedAt != nil {
			continue
		}
		if sess.CreatedAt.After(asOf) {
			continue
		}
		at := asOf
		sess.RevokedAt = &at
		n++
	}
	return n, nil
}

func (s memSessions) SetActiveOrganization(ctx context.Context, id string, organizationID string) error {
	defer s.acquire()()
	sess, ok := s.m.d.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.ActiveOrganizationID = organizationID
	return nil
}

func (s memSessions) ClearTwoFactorPending(ctx context.Context, id string) error {
	defer s.acquire()()
	sess, ok := s.m.d.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.TwoFactorPending = false
	return nil
}

// --- organizations ---

type memOrgs struct {
	m      *MemoryStore
	locked bool
}

func (s memOrgs) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memOrgs) Create(ctx context.Context, o *Organization) error {
	defer s.acquire()()
	for _, existing := range s.m.d.orgs {
		if existing.Slug == o.Slug {
			return ErrAlreadyExists
		}
	}
	s.m.d.orgs[o.ID] = copyOrg(o)
	return nil
}

func (s memOrgs) Find(ctx context.Context, id string) (*Organization, error) {
	defer s.acquire()()
	o, ok := s.m.d.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrg(o), nil
}

func (s memOrgs) FindBySlug(ctx context.Context, slug string) (*Organization, error) {
	defer s.acquire()()
	for _, o := range s.m.d.orgs {
		if o.Slug == slug {
			return copyOrg(o), nil
		}
	}
	return nil, ErrNotFound
}

func (s memOrgs) Update(ctx context.Context, o *Organization) error {
	defer s.acquire()()
	if _, ok := s.m.d.orgs[o.ID]; !ok {
		return ErrNotFound
	}
	s.m.d.orgs[o.ID] = copyOrg(o)
	return nil
}

func (s memOrgs) ListByUser(ctx context.Context, userID string) ([]*Organization, error) {
	defer s.acquire()()
	var out []*Organization
	for orgID, members := range s.m.d.memberships {
		if _, ok := members[userID]; !ok {
			continue
		}
		if o, ok := s.m.d.orgs[orgID]; ok {
			out = append(out, copyOrg(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- memberships ---

type memMemberships struct {
	m      *MemoryStore
	locked bool
}

func (s memMemberships) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memMemberships) Create(ctx context.Context, m *Membership) error {
	defer s.acquire()()
	members, ok := s.m.d.memberships[m.OrganizationID]
	if !ok {
		members = make(map[string]*Membership)
		s.m.d.memberships[m.OrganizationID] = members
	}
	if _, ok := members[m.UserID]; ok {
		return ErrAlreadyExists
	}
	v := *m
	members[m.UserID] = &v
	return nil
}

func (s memMemberships) Find(ctx context.Context, organizationID, userID string) (*Membership, error) {
	defer s.acquire()()
	if m, ok := s.m.d.memberships[organizationID][userID]; ok {
		v := *m
		return &v, nil
	}
	return nil, ErrNotFound
}

func (s memMemberships) ListByOrg(ctx context.Context, organizationID string) ([]Membership, error) {
	defer s.acquire()()
	var out []Membership
	for _, m := range s.m.d.memberships[organizationID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s memMemberships) ListByUser(ctx context.Context, userID string) ([]Membership, error) {
	defer s.acquire()()
	var out []Membership
	for _, members := range s.m.d.memberships {
		if m, ok := members[userID]; ok {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (s memMemberships) Delete(ctx context.Context, organizationID, userID string) error {
	defer s.acquire()()
	members := s.m.d.memberships[organizationID]
	if _, ok := members[userID]; !ok {
		return ErrNotFound
	}
	delete(members, userID)
	return nil
}

func (s memMemberships) CountByRole(ctx context.Context, organizationID string, role OrgRole) (int, error) {
	defer s.acquire()()
	n := 0
	for _, m := range s.m.d.memberships[organizationID] {
		if m.Role == role {
			n++
		}
	}
	return n, nil
}

// --- invitations ---

type memInvitations struct {
	m      *MemoryStore
	locked bool
}

func (s memInvitations) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memInvitations) Create(ctx context.Context, inv *Invitation) error {
	defer s.acquire()()
	if _, ok := s.m.d.invitations[inv.ID]; ok {
		return ErrAlreadyExists
	}
	v := *inv
	s.m.d.invitations[inv.ID] = &v
	return nil
}

func (s memInvitations) Find(ctx context.Context, id string) (*Invitation, error) {
	defer s.acquire()()
	inv, ok := s.m.d.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	v := *inv
	return &v, nil
}

func (s memInvitations) FindPending(ctx context.Context, organizationID, email string) (*Invitation, error) {
	defer s.acquire()()
	for _, inv := range s.m.d.invitations {
		if inv.OrganizationID == organizationID && inv.Status == InvitationPending && strings.EqualFold(inv.Email, email) {
			v := *inv
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (s memInvitations) ListByOrg(ctx context.Context, organizationID string) ([]Invitation, error) {
	defer s.acquire()()
	var out []Invitation
	for _, inv := range s.m.d.invitations {
		if inv.OrganizationID == organizationID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memInvitations) UpdateStatus(ctx context.Context, id string, from, to InvitationStatus) error {
	defer s.acquire()()
	inv, ok := s.m.d.invitations[id]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != from {
		return ErrInvalidState
	}
	inv.Status = to
	return nil
}

// --- two-factor ---

type memTwoFactor struct {
	m      *MemoryStore
	locked bool
}

func (s memTwoFactor) acquire() func() {
	if s.locked {
		return s.m.enter()
	}
	return func() {}
}

func (s memTwoFactor) Get(ctx context.Context, userID string) (*TwoFactorCredential, error) {
	defer s.acquire()()
	cred, ok := s.m.d.twofactor[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(cred), nil
}

func (s memTwoFactor) Upsert(ctx context.Context, cred *TwoFactorCredential) error {
	defer s.acquire()()
	s.m.d.twofactor[cred.UserID] = copyCredential(cred)
	return nil
}

func (s memTwoFactor) Delete(ctx context.Context, userID string) error {
	defer s.acquire()()
	if _, ok := s.m.d.twofactor[userID]; !ok {
		return ErrNotFound
	}
	delete(s.m.d.twofactor, userID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*memTx)(nil)
