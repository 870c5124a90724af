package hierarchy

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

// fakeStore implements the participant subset of store.Store in memory,
// mirroring the path semantics of the real store
type fakeStore struct {
	store.Store

	mu        sync.Mutex
	nextID    int64
	byAddress map[string]*schema.Participant
	byID      map[int64]*schema.Participant
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byAddress: make(map[string]*schema.Participant),
		byID:      make(map[int64]*schema.Participant),
	}
}

func (f *fakeStore) Atomic(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

func (f *fakeStore) CreateParticipant(_ context.Context, address string, superior *schema.Participant) (*schema.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byAddress[address]; ok {
		return nil, domain.ErrDuplicatedOperation
	}

	f.nextID++
	var superiorPath domain.Path
	p := &schema.Participant{ID: f.nextID, Address: address}
	if superior != nil {
		p.SuperiorAddress = &superior.Address
		parsed, err := domain.ParsePath(superior.Path)
		if err != nil {
			return nil, err
		}
		superiorPath = parsed
	}
	path := domain.NewPath(superiorPath, p.ID)
	p.Path = path.String()
	p.Depth = path.Depth()

	f.byAddress[address] = p
	f.byID[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetParticipantByAddress(_ context.Context, address string) (*schema.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byAddress[address], nil
}

func (f *fakeStore) GetParticipantByAddressForUpdate(ctx context.Context, address string) (*schema.Participant, error) {
	return f.GetParticipantByAddress(ctx, address)
}

func (f *fakeStore) SubtreeParticipants(_ context.Context, path domain.Path, _ bool) ([]*schema.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Participant
	for _, p := range f.byAddress {
		if strings.HasPrefix(p.Path, path.SubtreePrefix()) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) DirectSubordinates(_ context.Context, address string) ([]*schema.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Participant
	for _, p := range f.byAddress {
		if p.SuperiorAddress != nil && *p.SuperiorAddress == address {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateParticipantPaths(_ context.Context, updates []store.PathUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range updates {
		p, ok := f.byID[u.ID]
		if !ok {
			return domain.ErrNotFound
		}
		p.Path = u.Path.String()
		p.Depth = u.Path.Depth()
		if u.UpdateSuperior {
			p.SuperiorAddress = u.Superior
		}
	}
	return nil
}

type fakeInvalidator struct {
	roots []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, rootAddress string) {
	f.roots = append(f.roots, rootAddress)
}

func ensure(t *testing.T, svc *Service, address string) *schema.Participant {
	t.Helper()
	p, err := svc.EnsureParticipant(context.Background(), address)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestEnsureParticipantIsIdempotent(t *testing.T) {
	svc := NewService(newFakeStore(), nil)

	first := ensure(t, svc, "0xroot")
	again := ensure(t, svc, "0xroot")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 0, first.Depth)
	assert.Nil(t, first.SuperiorAddress)
}

func TestBindReferrerMovesWholeSubtree(t *testing.T) {
	st := newFakeStore()
	inv := &fakeInvalidator{}
	svc := NewService(st, inv)
	ctx := context.Background()

	root := ensure(t, svc, "0xroot")
	a := ensure(t, svc, "0xa")
	b := ensure(t, svc, "0xb")

	// b joins a's team first, then a binds under root: b must move along
	require.NoError(t, svc.BindReferrer(ctx, "0xb", "0xa"))
	require.NoError(t, svc.BindReferrer(ctx, "0xa", "0xroot"))

	movedA, _ := st.GetParticipantByAddress(ctx, "0xa")
	assert.Equal(t, domain.Path{root.ID, a.ID}.String(), movedA.Path)
	assert.Equal(t, 1, movedA.Depth)
	require.NotNil(t, movedA.SuperiorAddress)
	assert.Equal(t, "0xroot", *movedA.SuperiorAddress)

	movedB, _ := st.GetParticipantByAddress(ctx, "0xb")
	assert.Equal(t, domain.Path{root.ID, a.ID, b.ID}.String(), movedB.Path)
	assert.Equal(t, 2, movedB.Depth)
	require.NotNil(t, movedB.SuperiorAddress)
	assert.Equal(t, "0xa", *movedB.SuperiorAddress)

	assert.Equal(t, []string{"0xb", "0xa"}, inv.roots)
}

func TestBindReferrerRejectsSecondBind(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	ensure(t, svc, "0xroot")
	ensure(t, svc, "0xother")
	ensure(t, svc, "0xa")

	require.NoError(t, svc.BindReferrer(ctx, "0xa", "0xroot"))
	err := svc.BindReferrer(ctx, "0xa", "0xother")
	assert.ErrorIs(t, err, domain.ErrAlreadyHasSuperior)
}

func TestBindReferrerRejectsCycles(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	ensure(t, svc, "0xroot")
	ensure(t, svc, "0xa")
	require.NoError(t, svc.BindReferrer(ctx, "0xa", "0xroot"))

	// the root would end up inside its own subtree
	err := svc.BindReferrer(ctx, "0xroot", "0xa")
	assert.ErrorIs(t, err, domain.ErrCycleDetected)

	err = svc.BindReferrer(ctx, "0xa", "0xa")
	assert.ErrorIs(t, err, domain.ErrCycleDetected)
}

func TestBindReferrerUnknownParticipants(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	ensure(t, svc, "0xroot")

	err := svc.BindReferrer(ctx, "0xghost", "0xroot")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = svc.BindReferrer(ctx, "0xroot", "0xghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubordinatesDirectAndFiltered(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, nil)
	ctx := context.Background()

	ensure(t, svc, "0xroot")
	ensure(t, svc, "0xa")
	ensure(t, svc, "0xb")
	require.NoError(t, svc.BindReferrer(ctx, "0xa", "0xroot"))
	require.NoError(t, svc.BindReferrer(ctx, "0xb", "0xa"))

	direct, err := svc.Subordinates(ctx, "0xroot", true, nil)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, "0xa", direct[0].Address)

	downline, err := svc.Subordinates(ctx, "0xroot", false, nil)
	require.NoError(t, err)
	assert.Len(t, downline, 2)

	mid := domain.MemberTypeMidNode
	b, _ := st.GetParticipantByAddress(ctx, "0xb")
	b.MemberType = &mid

	nodes, err := svc.Subordinates(ctx, "0xroot", false, &mid)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "0xb", nodes[0].Address)

	_, err = svc.Subordinates(ctx, "0xghost", false, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
