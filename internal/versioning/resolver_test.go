package versioning

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

type stubStorage struct {
	heads      map[int64]*nodes.NodeHead
	records    map[int64]*nodes.Record
	loadCalls  atomic.Int32
	headCalls  atomic.Int32
	missingFor map[int64]int
}

func (s *stubStorage) LoadHeadByID(_ context.Context, nodeID int64) (*nodes.NodeHead, error) {
	s.headCalls.Add(1)
	head, ok := s.heads[nodeID]
	if !ok {
		return nil, storeerr.New(storeerr.KindNotFound, "stub.head", "node %d", nodeID)
	}
	return head.Clone(), nil
}

func (s *stubStorage) LoadHeadByPath(_ context.Context, path string) (*nodes.NodeHead, error) {
	for _, head := range s.heads {
		if head.Path == path {
			return head.Clone(), nil
		}
	}
	return nil, storeerr.New(storeerr.KindNotFound, "stub.head", "path %s", path)
}

func (s *stubStorage) LoadRecord(_ context.Context, _ *nodes.NodeHead, versionID int64) (*nodes.Record, error) {
	s.loadCalls.Add(1)
	if remaining := s.missingFor[versionID]; remaining > 0 {
		s.missingFor[versionID] = remaining - 1
		return nil, storeerr.New(storeerr.KindNotFound, "stub.record", "version %d", versionID)
	}
	record, ok := s.records[versionID]
	if !ok {
		return nil, storeerr.New(storeerr.KindNotFound, "stub.record", "version %d", versionID)
	}
	return record, nil
}

type stubPermissions struct {
	level   AccessLevel
	preview bool
	err     error
}

func (p stubPermissions) UserAccessLevel(context.Context, *nodes.NodeHead) (AccessLevel, error) {
	return p.level, p.err
}

func (p stubPermissions) HasPreview(context.Context, *nodes.NodeHead) (bool, error) {
	return p.preview, nil
}

func mustRecord(t *testing.T, versionID int64, version nodes.VersionNumber) *nodes.Record {
	t.Helper()
	registry := schema.NewRegistry(nil)
	if err := registry.Install(schema.DefaultDefinitions()); err != nil {
		t.Fatalf("install definitions: %v", err)
	}
	folder, _ := registry.NodeType("Folder")
	record, err := nodes.NewSharedRecord(folder, nil, map[nodes.Slot]any{
		nodes.SlotID:        int64(1),
		nodes.SlotPath:      "/Root/doc",
		nodes.SlotVersionID: versionID,
		nodes.SlotVersion:   version,
	}, nil)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	return record
}

func scenarioHead() *nodes.NodeHead {
	return &nodes.NodeHead{
		NodeID:             1,
		Path:               "/Root/doc",
		LastMajorVersionID: 10,
		LastMinorVersionID: 12,
		Versions: []nodes.VersionEntry{
			{Number: nodes.VersionNumber{Major: 1, Minor: 0, Status: nodes.StatusApproved}, VersionID: 10},
			{Number: nodes.VersionNumber{Major: 1, Minor: 1, Status: nodes.StatusDraft}, VersionID: 11},
			{Number: nodes.VersionNumber{Major: 1, Minor: 2, Status: nodes.StatusLocked}, VersionID: 12},
		},
	}
}

func mustResolver(t *testing.T, storage Storage, permissions PermissionProvider) *Resolver {
	t.Helper()
	recordCache, err := NewRecordCache(32)
	if err != nil {
		t.Fatalf("build cache: %v", err)
	}
	resolver, err := NewResolver(Config{Storage: storage, Permissions: permissions, Cache: recordCache})
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	return resolver
}

func newScenarioStorage(t *testing.T) *stubStorage {
	t.Helper()
	return &stubStorage{
		heads: map[int64]*nodes.NodeHead{1: scenarioHead()},
		records: map[int64]*nodes.Record{
			10: mustRecord(t, 10, nodes.VersionNumber{Major: 1, Status: nodes.StatusApproved}),
			11: mustRecord(t, 11, nodes.VersionNumber{Major: 1, Minor: 1, Status: nodes.StatusDraft}),
			12: mustRecord(t, 12, nodes.VersionNumber{Major: 1, Minor: 2, Status: nodes.StatusLocked}),
		},
		missingFor: map[int64]int{},
	}
}

func TestAcceptedLevelTable(t *testing.T) {
	minorNumber := Exact(nodes.VersionNumber{Major: 1, Minor: 1})
	majorNumber := Exact(nodes.VersionNumber{Major: 1, Minor: 0})
	testCases := []struct {
		name    string
		request VersionRequest
		want    [3]AccessLevel
	}{
		{name: "last accessible", request: LastAccessible(), want: [3]AccessLevel{AccessHeader, AccessMajor, AccessMinor}},
		{name: "last finalized", request: LastFinalized(), want: [3]AccessLevel{AccessHeader, AccessMajor, AccessMinor}},
		{name: "header", request: Header(), want: [3]AccessLevel{AccessHeader, AccessHeader, AccessHeader}},
		{name: "last major", request: LastMajor(), want: [3]AccessLevel{AccessHeader, AccessMajor, AccessMajor}},
		{name: "major number", request: majorNumber, want: [3]AccessLevel{AccessHeader, AccessMajor, AccessMajor}},
		{name: "last minor", request: LastMinor(), want: [3]AccessLevel{AccessNone, AccessNone, AccessMinor}},
		{name: "minor number", request: minorNumber, want: [3]AccessLevel{AccessNone, AccessNone, AccessMinor}},
	}
	users := [3]AccessLevel{AccessHeader, AccessMajor, AccessMinor}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for index, user := range users {
				got, err := AcceptedLevel(testCase.request, user)
				want := testCase.want[index]
				if want == AccessNone {
					if !errors.Is(err, storeerr.ErrSecurityDenied) {
						t.Fatalf("user %s: expected security denied, got %v (%v)", user, got, err)
					}
					continue
				}
				if err != nil || got != want {
					t.Fatalf("user %s: expected %s, got %s (%v)", user, want, got, err)
				}
				if got > user {
					t.Fatalf("user %s: accepted level %s exceeds user level", user, got)
				}
			}
		})
	}
}

func TestAcceptedLevelIgnoresVersionNumberWithinTier(t *testing.T) {
	for _, user := range []AccessLevel{AccessHeader, AccessMajor, AccessMinor} {
		first, firstErr := AcceptedLevel(Exact(nodes.VersionNumber{Major: 1}), user)
		second, secondErr := AcceptedLevel(Exact(nodes.VersionNumber{Major: 7}), user)
		if first != second || (firstErr == nil) != (secondErr == nil) {
			t.Fatalf("user %s: tier result depends on version number", user)
		}
	}
}

func TestScenarioMajorUserGetsLastMajorVersion(t *testing.T) {
	resolver := mustResolver(t, newScenarioStorage(t), stubPermissions{level: AccessMajor})
	node, err := resolver.LoadByID(context.Background(), 1, LastAccessible())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if node.VersionID() != 10 {
		t.Fatalf("expected version 10, got %d", node.VersionID())
	}
	if node.Restriction() != nodes.RestrictionNone {
		t.Fatalf("expected unrestricted node, got %s", node.Restriction())
	}
}

func TestMinorUserSelection(t *testing.T) {
	resolver := mustResolver(t, newScenarioStorage(t), stubPermissions{level: AccessMinor})
	ctx := context.Background()

	latest, err := resolver.LoadByID(ctx, 1, LastAccessible())
	if err != nil || latest.VersionID() != 12 {
		t.Fatalf("expected last minor 12, got %v (%v)", latest, err)
	}
	finalized, err := resolver.LoadByID(ctx, 1, LastFinalized())
	if err != nil || finalized.VersionID() != 11 {
		t.Fatalf("expected finalized 11, got %v (%v)", finalized, err)
	}
	exact, err := resolver.LoadByID(ctx, 1, Exact(nodes.VersionNumber{Major: 1, Minor: 1}))
	if err != nil || exact.VersionID() != 11 {
		t.Fatalf("expected exact 11, got %v (%v)", exact, err)
	}
	if _, err := resolver.LoadByID(ctx, 1, Exact(nodes.VersionNumber{Major: 9, Minor: 9})); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected not found for unknown version, got %v", err)
	}
}

func TestHeaderUserIsTaggedHeadOnly(t *testing.T) {
	resolver := mustResolver(t, newScenarioStorage(t), stubPermissions{level: AccessHeader})
	node, err := resolver.LoadByID(context.Background(), 1, LastAccessible())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if node.VersionID() != 10 || !node.IsHeadOnly() {
		t.Fatalf("expected head-only view of version 10, got %d %s", node.VersionID(), node.Restriction())
	}

	previewResolver := mustResolver(t, newScenarioStorage(t), stubPermissions{level: AccessHeader, preview: true})
	previewNode, err := previewResolver.LoadByID(context.Background(), 1, LastAccessible())
	if err != nil || !previewNode.IsPreviewOnly() {
		t.Fatalf("expected preview-only node, got %v (%v)", previewNode, err)
	}
}

func TestSecurityDeniedPropagates(t *testing.T) {
	denied := storeerr.New(storeerr.KindSecurityDenied, "stub", "no see")
	resolver := mustResolver(t, newScenarioStorage(t), stubPermissions{err: denied})
	if _, err := resolver.LoadByID(context.Background(), 1, LastAccessible()); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected security denied, got %v", err)
	}
}

func TestCacheHitSkipsStorage(t *testing.T) {
	storage := newScenarioStorage(t)
	resolver := mustResolver(t, storage, stubPermissions{level: AccessMajor})
	ctx := context.Background()
	first, err := resolver.LoadByID(ctx, 1, LastMajor())
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := resolver.LoadByID(ctx, 1, LastMajor())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if storage.loadCalls.Load() != 1 {
		t.Fatalf("expected one storage load, got %d", storage.loadCalls.Load())
	}
	if first == second || first.Record() != second.Record() {
		t.Fatalf("expected distinct nodes over the same shared record")
	}
	resolver.Cache().InvalidateNode(1)
	if _, err := resolver.LoadByID(ctx, 1, LastMajor()); err != nil {
		t.Fatalf("third load: %v", err)
	}
	if storage.loadCalls.Load() != 2 {
		t.Fatalf("expected reload after invalidation, got %d", storage.loadCalls.Load())
	}
}

func TestVanishedVersionRefreshesHeadOnce(t *testing.T) {
	storage := newScenarioStorage(t)
	storage.missingFor[10] = 1
	resolver := mustResolver(t, storage, stubPermissions{level: AccessMajor})
	node, err := resolver.Load(context.Background(), scenarioHead(), LastMajor())
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if node.VersionID() != 10 || storage.headCalls.Load() != 1 {
		t.Fatalf("expected one head refresh, got %d", storage.headCalls.Load())
	}

	storage.missingFor[10] = 2
	resolver.Cache().Purge()
	if _, err := resolver.Load(context.Background(), scenarioHead(), LastMajor()); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected not found after second miss, got %v", err)
	}
}

func TestLoadWithoutHeadIsNotFound(t *testing.T) {
	resolver := mustResolver(t, newScenarioStorage(t), stubPermissions{level: AccessMinor})
	if _, err := resolver.Load(context.Background(), nil, LastAccessible()); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseVersionRequest(t *testing.T) {
	request, err := ParseVersionRequest("V1.2.D")
	if err != nil || request.Kind != RequestExact || request.Number.Minor != 2 {
		t.Fatalf("unexpected request %v (%v)", request, err)
	}
	if request, err := ParseVersionRequest("LastMajor"); err != nil || request.Kind != RequestLastMajor {
		t.Fatalf("unexpected request %v (%v)", request, err)
	}
	if _, err := ParseVersionRequest("nonsense"); !errors.Is(err, storeerr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}
